// Package sink persists materialized examples.
package sink

import (
	"context"
	"errors"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// Sink receives examples from a single consumer goroutine
type Sink interface {
	Write(ctx context.Context, ex types.MaterializedExample) error
	Close() error
}

// Drain writes every example from ch to s until ch is closed. It returns
// the number written and stops at the first write error.
func Drain(ctx context.Context, ch <-chan types.MaterializedExample, s Sink) (int, error) {
	n := 0
	for ex := range ch {
		if err := s.Write(ctx, ex); err != nil {
			// keep the producer unblocked
			for range ch {
			}
			return n, err
		}
		n++
	}
	return n, nil
}

type tee []Sink

// Tee writes every example to all sinks in order
func Tee(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return tee(sinks)
}

func (t tee) Write(ctx context.Context, ex types.MaterializedExample) error {
	for _, s := range t {
		if err := s.Write(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

func (t tee) Close() error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
