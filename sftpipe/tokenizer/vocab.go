package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
)

// Vocab is a greedy longest-match tokenizer over a flat vocabulary with
// byte fallback. Any string round-trips exactly through Encode/Decode.
type Vocab struct {
	pieces  []string
	match   map[string]int
	maxLen  int
	byteIDs [256]int
	isByte  map[int]byte
	special SpecialIDs
}

const (
	vocabBOS = "<s>"
	vocabEOS = "</s>"
	vocabPad = "<pad>"
)

func bytePiece(b byte) string { return fmt.Sprintf("<0x%02X>", b) }

// LoadVocab reads one token per line; the id of a token is its 0-based line
// number. Lines are taken verbatim apart from the line ending so whitespace
// pieces survive. Blank or repeated lines are errors since either would
// shift every following id.
func LoadVocab(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tokens []string
	seen := make(map[string]int)
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		tok := strings.TrimSuffix(scanner.Text(), "\r")
		if tok == "" {
			return nil, &common.ConfigError{Key: "tokenizer.path", Err: fmt.Errorf("%s:%d: %w", path, line, common.ErrEmptyField)}
		}
		if prev, ok := seen[tok]; ok {
			return nil, &common.ConfigError{Key: "tokenizer.path", Err: fmt.Errorf("%s:%d: token %q repeats line %d", path, line, tok, prev)}
		}
		seen[tok] = line
		tokens = append(tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewVocab(tokens), nil
}

// NewVocab builds a tokenizer from tokens in id order. Special tokens and
// the 256 byte tokens are appended when missing.
func NewVocab(tokens []string) *Vocab {
	v := &Vocab{
		match:  make(map[string]int, len(tokens)+260),
		isByte: make(map[int]byte, 256),
	}
	index := make(map[string]int, len(tokens)+260)
	add := func(tok string) int {
		if id, ok := index[tok]; ok {
			return id
		}
		id := len(v.pieces)
		v.pieces = append(v.pieces, tok)
		index[tok] = id
		return id
	}

	for _, tok := range tokens {
		add(tok)
	}
	v.special = SpecialIDs{
		BOS: add(vocabBOS),
		EOS: add(vocabEOS),
		Pad: add(vocabPad),
	}
	for b := 0; b < 256; b++ {
		id := add(bytePiece(byte(b)))
		v.byteIDs[b] = id
		v.isByte[id] = byte(b)
	}

	// byte tokens are never matched from text
	for tok, id := range index {
		if _, ok := v.isByte[id]; ok {
			continue
		}
		v.match[tok] = id
		if len(tok) > v.maxLen {
			v.maxLen = len(tok)
		}
	}
	return v
}

// Encode greedily matches the longest vocabulary piece at each offset and
// falls back to byte tokens.
func (v *Vocab) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text)/2+1)
	for i := 0; i < len(text); {
		n := v.maxLen
		if rest := len(text) - i; n > rest {
			n = rest
		}
		matched := false
		for ; n > 0; n-- {
			if id, ok := v.match[text[i:i+n]]; ok {
				ids = append(ids, id)
				i += n
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, v.byteIDs[text[i]])
			i++
		}
	}
	return ids, nil
}

// Decode concatenates pieces, expanding byte tokens
func (v *Vocab) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.pieces) {
			return "", fmt.Errorf("token id %d out of range [0,%d)", id, len(v.pieces))
		}
		if b, ok := v.isByte[id]; ok {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(v.pieces[id])
	}
	return sb.String(), nil
}

// VocabSize returns the number of pieces including specials and bytes
func (v *Vocab) VocabSize() int { return len(v.pieces) }

// Special returns the reserved ids
func (v *Vocab) Special() SpecialIDs { return v.special }

// TokenToID looks up a piece
func (v *Vocab) TokenToID(token string) (int, bool) {
	id, ok := v.match[token]
	return id, ok
}
