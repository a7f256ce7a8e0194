// Package pipeline drives records through normalize, render, tokenize and
// materialize on a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/adapters"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/masking"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/materialize"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/source"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/template"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/tokenizer"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Stage names used for metrics
const (
	StageNormalize   = "normalize"
	StageRender      = "render"
	StageTokenize    = "tokenize"
	StageMaterialize = "materialize"
)

// DefaultSkipWarnRatio flags a dataset when most of it was skipped
const DefaultSkipWarnRatio = 0.5

// Options configure a Pipeline
type Options struct {
	Template string
	Budget   int
	Policy   masking.DropPolicy
	// TrainOnSource labels prompt tokens too
	TrainOnSource bool
	// PadTo right-pads examples; zero disables padding
	PadTo int
	// Workers bounds concurrent record processing
	Workers int
	// QueueCapacity bounds the output channel
	QueueCapacity int
	// MaxSamples caps the records taken from each dataset; zero is unlimited
	MaxSamples int
	// SkipWarnRatio raises a warning when skipped/processed exceeds it
	SkipWarnRatio float64
	Source        source.Options
}

// OpenFunc opens a dataset reader
type OpenFunc func(ctx context.Context, desc registry.DatasetDescriptor, opts source.Options) (source.Reader, error)

// Pipeline is immutable after New and can run several streams
type Pipeline struct {
	reg     *registry.Registry
	style   template.Style
	engine  *masking.Engine
	padID   int
	opts    Options
	open    OpenFunc
	logger  zerolog.Logger
	metrics map[string]*common.StageMetrics
}

// New validates opts and builds a pipeline
func New(reg *registry.Registry, styles *template.Set, tok tokenizer.Tokenizer, opts Options, logger zerolog.Logger) (*Pipeline, error) {
	if reg == nil || styles == nil || tok == nil {
		return nil, common.ConfigErrorf("pipeline", "registry, styles and tokenizer are required")
	}
	if opts.Template == "" {
		opts.Template = "default"
	}
	style, err := styles.Get(opts.Template)
	if err != nil {
		return nil, err
	}
	if opts.Policy == "" {
		opts.Policy = masking.DropOldest
	}
	if _, err := masking.ParseDropPolicy(string(opts.Policy)); err != nil {
		return nil, err
	}
	if opts.Budget < 0 {
		return nil, common.ConfigErrorf("budget", "must not be negative, got %d", opts.Budget)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = opts.Workers * 2
	}
	if opts.SkipWarnRatio == 0 {
		opts.SkipWarnRatio = DefaultSkipWarnRatio
	}

	return &Pipeline{
		reg:    reg,
		style:  style,
		engine: masking.NewEngine(tok),
		padID:  tok.Special().Pad,
		opts:   opts,
		open:   source.Open,
		logger: logger.With().Str("component", "pipeline").Logger(),
		metrics: map[string]*common.StageMetrics{
			StageNormalize:   common.NewStageMetrics(StageNormalize),
			StageRender:      common.NewStageMetrics(StageRender),
			StageTokenize:    common.NewStageMetrics(StageTokenize),
			StageMaterialize: common.NewStageMetrics(StageMaterialize),
		},
	}, nil
}

// WithOpener replaces the source opener, used to feed in-memory readers
func (p *Pipeline) WithOpener(open OpenFunc) *Pipeline {
	cp := *p
	cp.open = open
	return &cp
}

// Process runs one record through every stage. It returns the example and
// its unpadded token length.
func (p *Pipeline) Process(raw types.RawRecord, desc registry.DatasetDescriptor) (types.MaterializedExample, int, error) {
	start := time.Now()
	conv, err := adapters.Normalize(raw, desc)
	p.metrics[StageNormalize].Observe(start, err == nil)
	if err != nil {
		return types.MaterializedExample{}, 0, err
	}

	start = time.Now()
	segments, err := template.Render(conv, p.style)
	p.metrics[StageRender].Observe(start, err == nil)
	if err != nil {
		return types.MaterializedExample{}, 0, err
	}

	start = time.Now()
	ex, err := p.engine.Tokenize(segments, masking.Options{
		Budget:        p.opts.Budget,
		Policy:        p.opts.Policy,
		AddBOS:        p.style.AddBOS,
		AddEOS:        p.style.AddEOS,
		TrainOnSource: p.opts.TrainOnSource,
	})
	p.metrics[StageTokenize].Observe(start, err == nil)
	if err != nil {
		return types.MaterializedExample{}, 0, err
	}

	start = time.Now()
	m := materialize.For(raw, ex, p.opts.PadTo, p.padID)
	p.metrics[StageMaterialize].Observe(start, true)
	return m, ex.Len(), nil
}

// Metrics returns a snapshot of per-stage metrics
func (p *Pipeline) Metrics() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(p.metrics))
	for name, m := range p.metrics {
		out[name] = m.GetMetrics()
	}
	return out
}

// Run tracks one Stream call
type Run struct {
	report *Report
	done   chan struct{}
	err    error
}

// ID returns the run identifier, known before the run completes
func (r *Run) ID() string { return r.report.RunID.String() }

// Wait blocks until the stream is closed and returns the final report. The
// output channel must be drained or the context cancelled for Wait to
// return. The error is the context error when the run was cancelled.
func (r *Run) Wait() (*Report, error) {
	<-r.done
	return r.report, r.err
}

// Stream starts processing the named datasets and returns the output
// channel. Unknown identifiers fail immediately with a ConfigError.
func (p *Pipeline) Stream(ctx context.Context, ids ...string) (<-chan types.MaterializedExample, *Run, error) {
	if len(ids) == 0 {
		return nil, nil, common.ConfigErrorf("datasets", "no datasets selected")
	}
	descs := make([]registry.DatasetDescriptor, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	var order []string
	for _, id := range ids {
		d, err := p.reg.Lookup(id)
		if err != nil {
			return nil, nil, err
		}
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		descs = append(descs, d)
		order = append(order, d.ID)
	}

	out := make(chan types.MaterializedExample, p.opts.QueueCapacity)
	run := &Run{report: newReport(order), done: make(chan struct{})}
	logger := p.logger.With().Str("run_id", run.report.RunID.String()).Logger()

	go func() {
		defer close(run.done)
		defer close(out)

		workers := pool.New().WithMaxGoroutines(p.opts.Workers).WithContext(ctx)
		for _, desc := range descs {
			if ctx.Err() != nil {
				break
			}
			if err := p.feed(ctx, workers, desc, out, run.report, logger); err != nil {
				run.report.fail(desc.ID, err)
				logger.Error().Err(err).Str("dataset", desc.ID).Msg("dataset aborted")
			}
		}
		workers.Wait()

		run.report.finish(p.opts.SkipWarnRatio)
		run.err = ctx.Err()
		p.logSummary(logger, run.report)
	}()
	return out, run, nil
}

// feed reads one dataset and submits its records to the pool. Submission
// blocks while every worker is busy.
func (p *Pipeline) feed(ctx context.Context, workers *pool.ContextPool, desc registry.DatasetDescriptor, out chan<- types.MaterializedExample, report *Report, logger zerolog.Logger) error {
	reader, err := p.open(ctx, desc, p.opts.Source)
	if err != nil {
		return err
	}
	defer reader.Close()

	logger = logger.With().Str("dataset", desc.ID).Logger()
	taken := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.opts.MaxSamples > 0 && taken >= p.opts.MaxSamples {
			return nil
		}

		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var se *common.SchemaError
		if errors.As(err, &se) {
			taken++
			report.processed(desc.ID)
			reason := report.skip(desc.ID, rec.Index, err)
			logger.Debug().Err(err).Int("index", rec.Index).Str("reason", reason).Msg("record skipped")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading dataset %q: %w", desc.ID, err)
		}
		taken++

		workers.Go(func(ctx context.Context) error {
			report.processed(desc.ID)
			m, n, err := p.Process(rec, desc)
			if err != nil {
				reason := report.skip(desc.ID, rec.Index, err)
				logger.Debug().Err(err).Int("index", rec.Index).Str("reason", reason).Msg("record skipped")
				return nil
			}
			if ctx.Err() != nil {
				report.drop(desc.ID)
				return nil
			}
			select {
			case out <- m:
				report.emit(desc.ID, n)
			case <-ctx.Done():
				report.drop(desc.ID)
			}
			return nil
		})
	}
}

func (p *Pipeline) logSummary(logger zerolog.Logger, r *Report) {
	for _, id := range r.Order {
		d := r.Datasets[id]
		if d.Warning {
			logger.Warn().
				Str("dataset", id).
				Int("processed", d.Processed).
				Int("skipped", d.Skipped).
				Float64("skip_ratio", d.SkipRatio()).
				Interface("reasons", d.Reasons).
				Msg("majority of dataset skipped")
		}
	}
	processed, emitted, skipped := r.Totals()
	logger.Info().
		Int("processed", processed).
		Int("emitted", emitted).
		Int("skipped", skipped).
		Interface("reasons", r.Reasons).
		Float64("mean_length", r.Lengths.Mean).
		Float64("p95_length", r.Lengths.P95).
		Dur("elapsed", r.Finished.Sub(r.Started)).
		Msg("run complete")
}

// Collect runs Stream and gathers every example in memory
func (p *Pipeline) Collect(ctx context.Context, ids ...string) ([]types.MaterializedExample, *Report, error) {
	ch, run, err := p.Stream(ctx, ids...)
	if err != nil {
		return nil, nil, err
	}
	var out []types.MaterializedExample
	for m := range ch {
		out = append(out, m)
	}
	report, err := run.Wait()
	return out, report, err
}
