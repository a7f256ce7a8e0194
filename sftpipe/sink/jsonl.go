package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// JSONL writes one example per line
type JSONL struct {
	mu    sync.Mutex
	w     *bufio.Writer
	c     io.Closer
	enc   *json.Encoder
	count int
}

// NewJSONL writes to w. If w is an io.Closer it is closed by Close.
func NewJSONL(w io.Writer) *JSONL {
	bw := bufio.NewWriter(w)
	s := &JSONL{w: bw, enc: json.NewEncoder(bw)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// CreateJSONL creates or truncates the file at path
func CreateJSONL(path string) (*JSONL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("could not create %s: %w", path, err)
	}
	return NewJSONL(f), nil
}

func (s *JSONL) Write(ctx context.Context, ex types.MaterializedExample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ex); err != nil {
		return fmt.Errorf("failed to encode example %s/%d: %w", ex.Dataset, ex.Index, err)
	}
	s.count++
	return nil
}

// Count returns the number of examples written
func (s *JSONL) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}
