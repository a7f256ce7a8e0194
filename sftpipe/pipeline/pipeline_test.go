package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/masking"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/source"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/template"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/tokenizer"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `
datasets:
  toy:
    location: toy.jsonl
    format: instruction
  chat:
    location: chat.jsonl
    format: multi_turn
    multi_turn: true
  missing:
    location: missing.jsonl
    format: instruction
`

const toyRecords = `{"instruction":"a","output":"b"}
{"instruction":"a"}
not json
{"instruction":"this is long","output":"x"}
`

func newPipeline(t *testing.T, opts Options, tok tokenizer.Tokenizer) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "toy.jsonl"), []byte(toyRecords), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat.jsonl"), []byte(
		`{"conversations":[{"from":"human","value":"hi"},{"from":"gpt","value":"hello"}]}`+"\n"), 0o644))

	reg, err := registry.Parse([]byte(testRegistry))
	require.NoError(t, err)
	styles, err := template.NewSet(reg.Templates())
	require.NoError(t, err)

	if opts.Template == "" {
		opts.Template = "plain"
	}
	opts.Source.DataDir = dir
	if tok == nil {
		tok = tokenizer.NewVocab(nil)
	}
	p, err := New(reg, styles, tok, opts, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestStream_CountsAndReasons(t *testing.T) {
	p := newPipeline(t, Options{Workers: 2}, nil)

	examples, report, err := p.Collect(context.Background(), "toy")
	require.NoError(t, err)
	require.Len(t, examples, 2)

	d, ok := report.Dataset("toy")
	require.True(t, ok)
	assert.Equal(t, 4, d.Processed)
	assert.Equal(t, 2, d.Emitted)
	assert.Equal(t, 2, d.Skipped)
	assert.Equal(t, map[string]int{common.ReasonSchema: 2}, d.Reasons)
	assert.Equal(t, []uint32{1, 2}, d.SkippedIdx.ToArray())
	assert.False(t, d.Warning)
	assert.False(t, report.Warning)
	assert.NotEqual(t, "", report.RunID.String())

	assert.Equal(t, 2, report.Lengths.Count)
	assert.InDelta(t, 10.5, report.Lengths.Mean, 1e-9)
	assert.InDelta(t, 16, report.Lengths.Max, 1e-9)

	for _, m := range examples {
		assert.Equal(t, "toy", m.Dataset)
		assert.Len(t, m.Labels, len(m.InputIDs))
		assert.Len(t, m.AttentionMask, len(m.InputIDs))
	}

	metrics := p.Metrics()
	assert.EqualValues(t, 3, metrics[StageNormalize]["total_operations"])
	assert.EqualValues(t, 1, metrics[StageNormalize]["failed_ops"])
	assert.EqualValues(t, 2, metrics[StageMaterialize]["successful_ops"])
}

func TestStream_DropNoneBudget(t *testing.T) {
	p := newPipeline(t, Options{Workers: 1, Budget: 8, Policy: masking.DropNone}, nil)

	examples, report, err := p.Collect(context.Background(), "toy")
	require.NoError(t, err)
	assert.Len(t, examples, 1)

	d, _ := report.Dataset("toy")
	assert.Equal(t, map[string]int{common.ReasonSchema: 2, common.ReasonBudget: 1}, d.Reasons)
	assert.True(t, d.SkippedIdx.Contains(3))
	assert.True(t, d.Warning, "three of four records skipped")
	assert.True(t, report.Warning)
}

func TestStream_MultipleDatasetsAndFailures(t *testing.T) {
	p := newPipeline(t, Options{Workers: 4, PadTo: 32}, nil)

	examples, report, err := p.Collect(context.Background(), "toy", "missing", "chat", "toy")
	require.NoError(t, err)
	assert.Len(t, examples, 3)
	assert.Equal(t, []string{"toy", "missing", "chat"}, report.Order)

	missing, _ := report.Dataset("missing")
	assert.NotEmpty(t, missing.Error)
	chat, _ := report.Dataset("chat")
	assert.Equal(t, 1, chat.Emitted)

	for _, m := range examples {
		assert.Len(t, m.InputIDs, 32)
	}
	processed, emitted, skipped := report.Totals()
	assert.Equal(t, 5, processed)
	assert.Equal(t, 3, emitted)
	assert.Equal(t, 2, skipped)
}

func TestStream_ConfigErrors(t *testing.T) {
	p := newPipeline(t, Options{}, nil)
	var ce *common.ConfigError

	_, _, err := p.Stream(context.Background(), "nope")
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, common.ErrUnknownDataset)

	_, _, err = p.Stream(context.Background())
	require.ErrorAs(t, err, &ce)

	reg, err := registry.Parse([]byte(testRegistry))
	require.NoError(t, err)
	styles, err := template.NewSet(nil)
	require.NoError(t, err)
	_, err = New(reg, styles, tokenizer.NewVocab(nil), Options{Template: "klingon"}, zerolog.Nop())
	require.ErrorAs(t, err, &ce)
	_, err = New(reg, styles, tokenizer.NewVocab(nil), Options{Policy: "shrug"}, zerolog.Nop())
	require.ErrorAs(t, err, &ce)
}

func TestStream_MaxSamples(t *testing.T) {
	p := newPipeline(t, Options{MaxSamples: 2}, nil)
	examples, report, err := p.Collect(context.Background(), "toy")
	require.NoError(t, err)
	assert.Len(t, examples, 1)
	d, _ := report.Dataset("toy")
	assert.Equal(t, 2, d.Processed)
}

// memReader serves records from memory
type memReader struct {
	recs []types.RawRecord
	pos  int
}

func (m *memReader) Next() (types.RawRecord, error) {
	if m.pos >= len(m.recs) {
		return types.RawRecord{}, io.EOF
	}
	m.pos++
	return m.recs[m.pos-1], nil
}

func (m *memReader) Close() error { return nil }

func records(n int) []types.RawRecord {
	recs := make([]types.RawRecord, n)
	for i := range recs {
		recs[i] = types.RawRecord{Dataset: "toy", Index: i, Fields: map[string]any{
			"instruction": fmt.Sprintf("question %d", i),
			"output":      fmt.Sprintf("answer %d", i),
		}}
	}
	return recs
}

func memOpener(recs []types.RawRecord) OpenFunc {
	return func(context.Context, registry.DatasetDescriptor, source.Options) (source.Reader, error) {
		return &memReader{recs: recs}, nil
	}
}

type failingTokenizer struct{ *tokenizer.Vocab }

func (f failingTokenizer) Encode(text string) ([]int, error) {
	if strings.Contains(text, "boom") {
		return nil, errors.New("tokenizer crashed")
	}
	return f.Vocab.Encode(text)
}

func TestStream_TokenizerFailuresAreIsolated(t *testing.T) {
	tok := tokenizer.WithRetry(failingTokenizer{tokenizer.NewVocab(nil)}, 1)
	recs := records(5)
	recs[2].Fields["output"] = "boom"

	p := newPipeline(t, Options{Workers: 3}, tok).WithOpener(memOpener(recs))
	examples, report, err := p.Collect(context.Background(), "toy")
	require.NoError(t, err)
	assert.Len(t, examples, 4)

	d, _ := report.Dataset("toy")
	assert.Equal(t, map[string]int{common.ReasonTokenizer: 1}, d.Reasons)
	assert.Equal(t, []uint32{2}, d.SkippedIdx.ToArray())
}

func TestStream_BoundedOutputAndCancel(t *testing.T) {
	p := newPipeline(t, Options{Workers: 2, QueueCapacity: 1}, nil).WithOpener(memOpener(records(500)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, run, err := p.Stream(ctx, "toy")
	require.NoError(t, err)
	assert.Equal(t, 1, cap(ch))

	received := 0
	for range ch {
		received++
		if received == 3 {
			cancel()
		}
	}
	report, err := run.Wait()
	assert.ErrorIs(t, err, context.Canceled)

	d, _ := report.Dataset("toy")
	assert.Equal(t, received, d.Emitted)
	assert.Less(t, d.Processed, 500)
	assert.Equal(t, d.Processed, d.Emitted+d.Skipped+d.Dropped)
}

func TestProcess_Deterministic(t *testing.T) {
	p := newPipeline(t, Options{Template: "alpaca", Budget: 64}, nil)
	desc, err := p.reg.Lookup("toy")
	require.NoError(t, err)

	raw := records(1)[0]
	first, n, err := p.Process(raw, desc)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 64)
	for i := 0; i < 3; i++ {
		again, _, err := p.Process(raw, desc)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestStream_TrainOnSource(t *testing.T) {
	p := newPipeline(t, Options{Workers: 1, TrainOnSource: true}, nil)

	examples, _, err := p.Collect(context.Background(), "toy")
	require.NoError(t, err)
	require.Len(t, examples, 2)
	for _, m := range examples {
		assert.Equal(t, types.IgnoreIndex, m.Labels[0])
		assert.Equal(t, m.InputIDs[1:], m.Labels[1:])
	}
}
