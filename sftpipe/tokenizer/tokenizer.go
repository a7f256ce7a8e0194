// Package tokenizer is the boundary to the external subword tokenizer. The
// pipeline only relies on the Tokenizer interface; backends are loaded from
// configuration.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
)

// Tokenizer converts text to token ids and back. Implementations must be
// deterministic and safe for concurrent use.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	VocabSize() int
	Special() SpecialIDs
}

// SpecialIDs holds the reserved token ids the pipeline inserts itself
type SpecialIDs struct {
	BOS int
	EOS int
	Pad int
}

// Kinds of tokenizer backends
const (
	KindHuggingFace = "huggingface"
	KindWordPiece   = "wordpiece"
	KindVocab       = "vocab"
)

// Config holds tokenizer settings
type Config struct {
	Kind string
	Path string
	// Optional overrides for special token strings
	BOS string
	EOS string
	Pad string
	// Retries is the number of extra attempts after a failed call
	Retries int
}

// ErrUnsupported indicates the tokenizer could not be initialized
var ErrUnsupported = fmt.Errorf("unsupported tokenizer configuration")

// candidate special token strings, most specific first
var (
	bosCandidates = []string{"<s>", "<|begin_of_text|>", "<|endoftext|>", "[CLS]", "<bos>"}
	eosCandidates = []string{"</s>", "<|end_of_text|>", "<|endoftext|>", "<|im_end|>", "[SEP]", "<eos>"}
	padCandidates = []string{"[PAD]", "<pad>", "<|pad|>"}
)

// Load builds the configured backend wrapped with retry
func Load(cfg Config) (Tokenizer, error) {
	var (
		tok Tokenizer
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindHuggingFace, "hf", "":
		tok, err = NewSugarFromFile(cfg.Path, cfg)
	case KindWordPiece:
		tok, err = NewSugarWordPiece(cfg.Path, cfg)
	case KindVocab:
		tok, err = LoadVocab(cfg.Path)
	default:
		return nil, &common.ConfigError{Key: "tokenizer.kind", Err: fmt.Errorf("%w: %q", ErrUnsupported, cfg.Kind)}
	}
	if err != nil {
		return nil, err
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return WithRetry(tok, uint64(retries)), nil
}

// lookupFunc resolves a token string to its id
type lookupFunc func(token string) (int, bool)

// resolveSpecial finds the special ids using explicit names first and the
// candidate lists otherwise. A missing pad token falls back to EOS.
func resolveSpecial(lookup lookupFunc, cfg Config) (SpecialIDs, error) {
	find := func(key, explicit string, candidates []string) (int, bool, error) {
		if explicit != "" {
			id, ok := lookup(explicit)
			if !ok {
				return 0, false, common.ConfigErrorf("tokenizer."+key, "token %q not in vocabulary", explicit)
			}
			return id, true, nil
		}
		for _, c := range candidates {
			if id, ok := lookup(c); ok {
				return id, true, nil
			}
		}
		return 0, false, nil
	}

	var ids SpecialIDs
	id, ok, err := find("bos", cfg.BOS, bosCandidates)
	if err != nil {
		return ids, err
	}
	if !ok {
		return ids, common.ConfigErrorf("tokenizer.bos", "no beginning-of-sequence token found")
	}
	ids.BOS = id

	if id, ok, err = find("eos", cfg.EOS, eosCandidates); err != nil {
		return ids, err
	}
	if !ok {
		return ids, common.ConfigErrorf("tokenizer.eos", "no end-of-sequence token found")
	}
	ids.EOS = id

	if id, ok, err = find("pad", cfg.Pad, padCandidates); err != nil {
		return ids, err
	}
	if ok {
		ids.Pad = id
	} else {
		ids.Pad = ids.EOS
	}
	return ids, nil
}
