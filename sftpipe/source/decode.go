package source

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Supported dataset file extensions
var supportedExt = map[string]bool{
	".json":  true,
	".jsonl": true,
	".csv":   true,
	".tsv":   true,
}

func supported(name string) bool {
	return supportedExt[strings.ToLower(filepath.Ext(name))]
}

type decoder interface {
	next() (map[string]any, error)
}

// decodeError marks one malformed record; the stream stays usable
type decodeError struct {
	record int
	err    error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("record %d: %v", e.record, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

var errNotObject = errors.New("record is not a JSON object")

func newDecoder(name string, r io.Reader) (decoder, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl":
		return &jsonlDecoder{r: bufio.NewReaderSize(r, 1<<16)}, nil
	case ".json":
		return newJSONDecoder(r)
	case ".csv":
		return newCSVDecoder(r, ',')
	case ".tsv":
		return newCSVDecoder(r, '\t')
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(name))
	}
}

type jsonlDecoder struct {
	r    *bufio.Reader
	line int
}

func (d *jsonlDecoder) next() (map[string]any, error) {
	for {
		b, err := d.r.ReadBytes('\n')
		if len(b) == 0 && err != nil {
			return nil, err
		}
		d.line++
		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		var m map[string]any
		if uerr := json.Unmarshal(b, &m); uerr != nil {
			return nil, &decodeError{record: d.line, err: uerr}
		}
		if m == nil {
			return nil, &decodeError{record: d.line, err: errNotObject}
		}
		return m, nil
	}
}

// jsonDecoder streams the elements of a top-level array, or a sequence of
// concatenated objects when the file does not start with '['.
type jsonDecoder struct {
	dec *json.Decoder
	n   int
}

func newJSONDecoder(r io.Reader) (*jsonDecoder, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	first, err := peekNonSpace(br)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	d := &jsonDecoder{dec: json.NewDecoder(br)}
	if first == '[' {
		if _, err := d.dec.Token(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			br.ReadByte()
		default:
			return b[0], nil
		}
	}
}

func (d *jsonDecoder) next() (map[string]any, error) {
	if !d.dec.More() {
		return nil, io.EOF
	}
	d.n++
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &decodeError{record: d.n, err: err}
	}
	if m == nil {
		return nil, &decodeError{record: d.n, err: errNotObject}
	}
	return m, nil
}

type csvDecoder struct {
	r      *csv.Reader
	header []string
	line   int
}

func newCSVDecoder(r io.Reader, comma rune) (*csvDecoder, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	d := &csvDecoder{r: cr}
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	d.header = header
	return d, nil
}

func (d *csvDecoder) next() (map[string]any, error) {
	if d.header == nil {
		return nil, io.EOF
	}
	rec, err := d.r.Read()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			d.line++
			return nil, &decodeError{record: d.line, err: err}
		}
		return nil, err
	}
	d.line++
	if len(rec) != len(d.header) {
		return nil, &decodeError{record: d.line, err: fmt.Errorf("%d fields, header has %d", len(rec), len(d.header))}
	}
	m := make(map[string]any, len(rec))
	for i, col := range d.header {
		m[col] = rec[i]
	}
	return m, nil
}
