package common

import (
	"sync"
	"time"
)

// StageMetrics tracks throughput of one pipeline stage
type StageMetrics struct {
	Name            string
	TotalOperations int64
	SuccessfulOps   int64
	FailedOps       int64
	TotalTime       time.Duration
	LastOperation   time.Time
	mu              sync.RWMutex
}

// NewStageMetrics creates metrics for the named stage
func NewStageMetrics(name string) *StageMetrics {
	return &StageMetrics{Name: name}
}

// Observe records one operation that started at start
func (sm *StageMetrics) Observe(start time.Time, success bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.TotalOperations++
	if success {
		sm.SuccessfulOps++
	} else {
		sm.FailedOps++
	}
	sm.TotalTime += time.Since(start)
	sm.LastOperation = time.Now()
}

// AverageTime returns the mean duration per operation
func (sm *StageMetrics) AverageTime() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.TotalOperations == 0 {
		return 0
	}
	return sm.TotalTime / time.Duration(sm.TotalOperations)
}

// GetMetrics returns the metrics as a map
func (sm *StageMetrics) GetMetrics() map[string]interface{} {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	avg := time.Duration(0)
	if sm.TotalOperations > 0 {
		avg = sm.TotalTime / time.Duration(sm.TotalOperations)
	}
	return map[string]interface{}{
		"stage":            sm.Name,
		"total_operations": sm.TotalOperations,
		"successful_ops":   sm.SuccessfulOps,
		"failed_ops":       sm.FailedOps,
		"average_time":     avg,
		"last_operation":   sm.LastOperation,
	}
}
