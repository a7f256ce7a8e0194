package sink

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// Splitter routes examples to a train or eval sink. Membership depends only
// on (dataset, index, seed), so a record lands in the same split on every
// run regardless of worker scheduling. MaxEval caps the eval side; once
// reached further eval candidates go to train.
type Splitter struct {
	Train        Sink
	Eval         Sink
	EvalFraction float64
	MaxEval      int
	Seed         uint64

	mu        sync.Mutex
	evalCount int
}

// NewSplitter validates the fraction
func NewSplitter(train, eval Sink, fraction float64, maxEval int, seed uint64) (*Splitter, error) {
	if fraction < 0 || fraction >= 1 {
		return nil, common.ConfigErrorf("eval_fraction", "must be in [0,1), got %v", fraction)
	}
	if fraction > 0 && eval == nil {
		return nil, common.ConfigErrorf("eval_output", "required when eval_fraction is set")
	}
	return &Splitter{Train: train, Eval: eval, EvalFraction: fraction, MaxEval: maxEval, Seed: seed}, nil
}

// IsEval reports whether the record belongs to the eval split, ignoring
// MaxEval
func (s *Splitter) IsEval(dataset string, index int) bool {
	if s.EvalFraction <= 0 {
		return false
	}
	h := fnv.New64a()
	h.Write([]byte(dataset))
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(index))
	binary.LittleEndian.PutUint64(buf[8:], s.Seed)
	h.Write(buf[:])
	return float64(mix64(h.Sum64())>>11)/(1<<53) < s.EvalFraction
}

// mix64 is the splitmix64 finalizer; FNV alone leaves the high bits of
// sequential indices correlated
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func (s *Splitter) Write(ctx context.Context, ex types.MaterializedExample) error {
	if s.IsEval(ex.Dataset, ex.Index) {
		s.mu.Lock()
		take := s.MaxEval <= 0 || s.evalCount < s.MaxEval
		if take {
			s.evalCount++
		}
		s.mu.Unlock()
		if take {
			return s.Eval.Write(ctx, ex)
		}
	}
	return s.Train.Write(ctx, ex)
}

// EvalCount returns how many examples went to the eval sink
func (s *Splitter) EvalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evalCount
}

func (s *Splitter) Close() error {
	var errs []error
	if s.Train != nil {
		errs = append(errs, s.Train.Close())
	}
	if s.Eval != nil {
		errs = append(errs, s.Eval.Close())
	}
	return errors.Join(errs...)
}
