package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"

	roaring "github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DatasetReport holds the counts for one dataset
type DatasetReport struct {
	ID        string         `json:"id"`
	Processed int            `json:"processed"`
	Emitted   int            `json:"emitted"`
	Skipped   int            `json:"skipped"`
	Dropped   int            `json:"dropped"`
	Reasons   map[string]int `json:"reasons"`
	Error     string         `json:"error,omitempty"`
	Warning   bool           `json:"warning"`

	// SkippedIdx holds the source indices of skipped records
	SkippedIdx *roaring.Bitmap `json:"-"`
}

// SkipRatio is skipped/processed, zero for an empty dataset
func (d *DatasetReport) SkipRatio() float64 {
	if d.Processed == 0 {
		return 0
	}
	return float64(d.Skipped) / float64(d.Processed)
}

// LengthStats summarizes token lengths of emitted examples
type LengthStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

// Report is the final account of a run. It is safe to read once Run.Wait
// has returned.
type Report struct {
	RunID    uuid.UUID                 `json:"run_id"`
	Started  time.Time                 `json:"started"`
	Finished time.Time                 `json:"finished"`
	Datasets map[string]*DatasetReport `json:"datasets"`
	Order    []string                  `json:"order"`
	Reasons  map[string]int            `json:"reasons"`
	Lengths  LengthStats               `json:"lengths"`
	Warning  bool                      `json:"warning"`

	mu      sync.Mutex
	lengths []float64
}

func newReport(ids []string) *Report {
	r := &Report{
		RunID:    uuid.New(),
		Started:  time.Now(),
		Datasets: make(map[string]*DatasetReport, len(ids)),
		Order:    append([]string(nil), ids...),
		Reasons:  make(map[string]int),
	}
	for _, id := range ids {
		r.Datasets[id] = &DatasetReport{ID: id, Reasons: make(map[string]int), SkippedIdx: roaring.New()}
	}
	return r
}

func (r *Report) processed(id string) {
	r.mu.Lock()
	r.Datasets[id].Processed++
	r.mu.Unlock()
}

func (r *Report) skip(id string, index int, err error) string {
	reason := common.Reason(err)
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.Datasets[id]
	d.Skipped++
	d.Reasons[reason]++
	if index >= 0 {
		d.SkippedIdx.Add(uint32(index))
	}
	r.Reasons[reason]++
	return reason
}

func (r *Report) emit(id string, length int) {
	r.mu.Lock()
	r.Datasets[id].Emitted++
	r.lengths = append(r.lengths, float64(length))
	r.mu.Unlock()
}

// drop counts an example completed after cancellation and not emitted
func (r *Report) drop(id string) {
	r.mu.Lock()
	r.Datasets[id].Dropped++
	r.mu.Unlock()
}

func (r *Report) fail(id string, err error) {
	r.mu.Lock()
	r.Datasets[id].Error = err.Error()
	r.mu.Unlock()
}

// finish computes length statistics and warning flags
func (r *Report) finish(warnRatio float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Finished = time.Now()
	r.Lengths = lengthStats(r.lengths)
	for _, d := range r.Datasets {
		if warnRatio > 0 && d.SkipRatio() > warnRatio {
			d.Warning = true
			r.Warning = true
		}
	}
}

func lengthStats(x []float64) LengthStats {
	if len(x) == 0 {
		return LengthStats{}
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0
	}
	return LengthStats{
		Count:  len(sorted),
		Mean:   mean,
		StdDev: std,
		P50:    stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Max:    floats.Max(sorted),
	}
}

// Totals sums the per-dataset counts
func (r *Report) Totals() (processed, emitted, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.Datasets {
		processed += d.Processed
		emitted += d.Emitted
		skipped += d.Skipped
	}
	return processed, emitted, skipped
}

// Dataset returns the report for id
func (r *Report) Dataset(id string) (*DatasetReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.Datasets[id]
	return d, ok
}
