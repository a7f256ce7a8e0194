package tokenizer

import (
	"fmt"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"

	"github.com/cenkalti/backoff/v4"
)

// Retrying decorates a Tokenizer so that each failed call is retried and
// persistent failures surface as *common.TokenizerError.
type Retrying struct {
	inner   Tokenizer
	retries uint64
}

// WithRetry wraps t with the given number of extra attempts
func WithRetry(t Tokenizer, retries uint64) *Retrying {
	if r, ok := t.(*Retrying); ok {
		return &Retrying{inner: r.inner, retries: retries}
	}
	return &Retrying{inner: t, retries: retries}
}

func (r *Retrying) do(op string, fn func() error) error {
	attempts := 0
	call := func() (err error) {
		attempts++
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn()
	}
	if err := backoff.Retry(call, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, r.retries)); err != nil {
		return &common.TokenizerError{Op: op, Attempts: attempts, Err: err}
	}
	return nil
}

func (r *Retrying) Encode(text string) ([]int, error) {
	var ids []int
	err := r.do("encode", func() error {
		var err error
		ids, err = r.inner.Encode(text)
		return err
	})
	return ids, err
}

func (r *Retrying) Decode(ids []int) (string, error) {
	var text string
	err := r.do("decode", func() error {
		var err error
		text, err = r.inner.Decode(ids)
		return err
	})
	return text, err
}

func (r *Retrying) VocabSize() int { return r.inner.VocabSize() }

func (r *Retrying) Special() SpecialIDs { return r.inner.Special() }

// Unwrap returns the decorated tokenizer
func (r *Retrying) Unwrap() Tokenizer { return r.inner }
