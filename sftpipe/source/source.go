// Package source yields RawRecords for a dataset descriptor from local files
// or S3. Readers are lazy and restartable by opening them again.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/sftpipe/sftpipe"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// Reader yields records in a stable order. Next returns io.EOF after the
// last record. A *common.SchemaError from Next concerns a single malformed
// record and the reader may be used again; any other error is fatal.
type Reader interface {
	Next() (types.RawRecord, error)
	Close() error
}

// Options configure where sources are resolved
type Options struct {
	// DataDir is the base for relative locations
	DataDir string
	// IgnoreFile is looked up at the root of directory sources
	IgnoreFile string
	// S3 is used for s3:// locations; a default session is created if nil
	S3 S3Client
}

// ErrNoFiles indicates a location that matched no readable dataset files
var ErrNoFiles = errors.New("no dataset files found")

const s3Scheme = "s3://"

// Open resolves desc.Location and returns a reader over its records
func Open(ctx context.Context, desc registry.DatasetDescriptor, opts Options) (Reader, error) {
	if opts.IgnoreFile == "" {
		opts.IgnoreFile = internal.DefaultIgnoreFile
	}

	var (
		files []file
		err   error
	)
	if strings.HasPrefix(desc.Location, s3Scheme) {
		client := opts.S3
		if client == nil {
			if client, err = NewS3Client(S3Config{}); err != nil {
				return nil, err
			}
		}
		files, err = s3Files(ctx, client, desc.Location, desc.Exclude)
	} else {
		location := desc.Location
		if !filepath.IsAbs(location) && opts.DataDir != "" {
			location = filepath.Join(opts.DataDir, location)
		}
		files, err = localFiles(location, opts.IgnoreFile, desc.Exclude)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", desc.ID, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("dataset %q at %s: %w", desc.ID, desc.Location, ErrNoFiles)
	}
	return &multiReader{ctx: ctx, dataset: desc.ID, files: files}, nil
}

// file is one openable dataset file
type file struct {
	name string
	open func() (io.ReadCloser, error)
}

type multiReader struct {
	ctx     context.Context
	dataset string
	files   []file
	pos     int
	index   int

	name string
	body io.ReadCloser
	dec  decoder
}

func (r *multiReader) Next() (types.RawRecord, error) {
	for {
		if r.dec == nil {
			if r.pos >= len(r.files) {
				return types.RawRecord{}, io.EOF
			}
			if err := r.ctx.Err(); err != nil {
				return types.RawRecord{}, err
			}
			if err := r.openNext(); err != nil {
				return types.RawRecord{}, err
			}
		}

		fields, err := r.dec.next()
		if errors.Is(err, io.EOF) {
			r.closeCurrent()
			continue
		}
		var de *decodeError
		if errors.As(err, &de) {
			idx := r.index
			r.index++
			return types.RawRecord{Dataset: r.dataset, Index: idx},
				common.NewSchemaError(r.dataset, "", de, "%s", r.name)
		}
		if err != nil {
			return types.RawRecord{}, fmt.Errorf("reading %s: %w", r.name, err)
		}

		idx := r.index
		r.index++
		return types.RawRecord{Dataset: r.dataset, Index: idx, Fields: fields}, nil
	}
}

func (r *multiReader) openNext() error {
	f := r.files[r.pos]
	r.pos++
	body, err := f.open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.name, err)
	}
	dec, err := newDecoder(f.name, body)
	if err != nil {
		body.Close()
		return fmt.Errorf("failed to decode %s: %w", f.name, err)
	}
	r.name, r.body, r.dec = f.name, body, dec
	return nil
}

func (r *multiReader) closeCurrent() error {
	var err error
	if r.body != nil {
		err = r.body.Close()
	}
	r.body, r.dec = nil, nil
	return err
}

func (r *multiReader) Close() error {
	r.pos = len(r.files)
	return r.closeCurrent()
}

// ReadAll drains a reader, skipping malformed records
func ReadAll(r Reader) ([]types.RawRecord, int, error) {
	var (
		out     []types.RawRecord
		skipped int
	)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, skipped, nil
		}
		var se *common.SchemaError
		if errors.As(err, &se) {
			skipped++
			continue
		}
		if err != nil {
			return out, skipped, err
		}
		out = append(out, rec)
	}
}
