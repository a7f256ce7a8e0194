package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Sugar wraps a sugarme/tokenizer instance. Special tokens are never added
// by the backend; the masking engine inserts BOS/EOS itself.
type Sugar struct {
	t       *tk.Tokenizer
	special SpecialIDs
}

// NewSugarFromFile loads a HuggingFace tokenizer.json. path may be the file
// or the directory that contains it.
func NewSugarFromFile(path string, cfg Config) (*Sugar, error) {
	file := path
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		file = filepath.Join(path, "tokenizer.json")
	}
	t, err := pretrained.FromFile(file)
	if err != nil {
		return nil, &common.ConfigError{Key: "tokenizer.path", Err: fmt.Errorf("failed to load %s: %w", file, err)}
	}
	return newSugar(t, cfg)
}

// NewSugarWordPiece loads a BERT-style vocab.txt. path may be the file or
// the directory that contains it.
func NewSugarWordPiece(path string, cfg Config) (*Sugar, error) {
	vocabFile := path
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		vocabFile = filepath.Join(path, "vocab.txt")
	}
	if _, err := os.Stat(vocabFile); err != nil {
		return nil, &common.ConfigError{Key: "tokenizer.path", Err: err}
	}

	wp, err := wordpiece.NewWordPieceFromFile(vocabFile, "[UNK]")
	if err != nil {
		wp = wordpiece.NewWordPieceBuilder().Files(vocabFile).Build()
	}

	t := tk.NewTokenizer(wp)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	return newSugar(t, cfg)
}

func newSugar(t *tk.Tokenizer, cfg Config) (*Sugar, error) {
	special, err := resolveSpecial(func(token string) (int, bool) {
		return t.TokenToId(token)
	}, cfg)
	if err != nil {
		return nil, err
	}
	return &Sugar{t: t, special: special}, nil
}

// Encode tokenizes text without adding special tokens
func (s *Sugar) Encode(text string) ([]int, error) {
	enc, err := s.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), false)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), enc.GetIds()...), nil
}

// Decode converts ids back to text, keeping special tokens
func (s *Sugar) Decode(ids []int) (string, error) {
	return s.t.Decode(ids, false), nil
}

// VocabSize includes added tokens
func (s *Sugar) VocabSize() int { return s.t.GetVocabSize(true) }

// Special returns the reserved ids
func (s *Sugar) Special() SpecialIDs { return s.special }
