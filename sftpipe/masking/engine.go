// Package masking tokenizes rendered segments, builds label masks and fits
// the result into a context budget.
package masking

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/tokenizer"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// DropPolicy selects what happens when an example exceeds the budget
type DropPolicy string

const (
	// DropOldest removes the oldest complete user/assistant pairs, then
	// truncates the preamble and the final user turn
	DropOldest DropPolicy = "drop_oldest"
	// DropNone rejects over-budget examples
	DropNone DropPolicy = "drop_none"
)

// ParseDropPolicy validates a policy name
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch p := DropPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DropOldest, DropNone:
		return p, nil
	default:
		return "", common.ConfigErrorf("drop_policy", "unknown drop policy %q", s)
	}
}

// Options control one Tokenize call. A Budget of zero disables fitting.
// With TrainOnSource every segment is labelled, not only assistant turns;
// BOS stays unsupervised.
type Options struct {
	Budget        int
	Policy        DropPolicy
	AddBOS        bool
	AddEOS        bool
	TrainOnSource bool
}

// Engine turns rendered segments into TokenizedExamples. It holds no
// mutable state and may be shared between workers.
type Engine struct {
	tok     tokenizer.Tokenizer
	special tokenizer.SpecialIDs
	vocab   int
}

// NewEngine binds an engine to a tokenizer
func NewEngine(tok tokenizer.Tokenizer) *Engine {
	return &Engine{tok: tok, special: tok.Special(), vocab: tok.VocabSize()}
}

// Tokenize encodes each segment independently, concatenates ids and labels,
// adds BOS/EOS and fits the result to opts.Budget.
func (e *Engine) Tokenize(segments []types.RenderedSegment, opts Options) (types.TokenizedExample, error) {
	var ex types.TokenizedExample
	if len(segments) == 0 {
		return ex, &common.SchemaError{Err: fmt.Errorf("%w: no segments", common.ErrNoSupervision)}
	}
	if !segments[len(segments)-1].Supervised {
		return ex, &common.SchemaError{Err: fmt.Errorf("%w: final segment is %q", common.ErrNoSupervision, segments[len(segments)-1].Role)}
	}

	if opts.AddBOS {
		ex.InputIDs = append(ex.InputIDs, e.special.BOS)
		ex.Labels = append(ex.Labels, types.IgnoreIndex)
		ex.Spans = append(ex.Spans, types.Span{Start: 0, End: 1})
	}

	for _, seg := range segments {
		ids, err := e.encode(seg.Text)
		if err != nil {
			return types.TokenizedExample{}, err
		}
		supervised := seg.Supervised || opts.TrainOnSource
		start := len(ex.InputIDs)
		ex.InputIDs = append(ex.InputIDs, ids...)
		for _, id := range ids {
			if supervised {
				ex.Labels = append(ex.Labels, id)
			} else {
				ex.Labels = append(ex.Labels, types.IgnoreIndex)
			}
		}
		ex.Spans = append(ex.Spans, types.Span{
			Role:       seg.Role,
			Start:      start,
			End:        len(ex.InputIDs),
			Supervised: supervised,
		})
	}

	// EOS terminates the final assistant segment and is supervised
	if opts.AddEOS {
		ex.InputIDs = append(ex.InputIDs, e.special.EOS)
		ex.Labels = append(ex.Labels, e.special.EOS)
		ex.Spans[len(ex.Spans)-1].End++
	}

	if ex.SupervisedCount() == 0 {
		return types.TokenizedExample{}, &common.SchemaError{Err: fmt.Errorf("%w: assistant text produced no tokens", common.ErrNoSupervision)}
	}
	return e.Fit(ex, opts.Budget, opts.Policy)
}

func (e *Engine) encode(text string) ([]int, error) {
	ids, err := e.tok.Encode(text)
	if err != nil {
		var te *common.TokenizerError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &common.TokenizerError{Op: "encode", Attempts: 1, Err: err}
	}
	for _, id := range ids {
		if id < 0 || (e.vocab > 0 && id >= e.vocab) {
			return nil, &common.TokenizerError{Op: "encode", Attempts: 1, Err: fmt.Errorf("token id %d outside vocabulary of %d", id, e.vocab)}
		}
	}
	return ids, nil
}

// Decode returns the text for a token range, used to inspect spans
func (e *Engine) Decode(ids []int) (string, error) {
	return e.tok.Decode(ids)
}
