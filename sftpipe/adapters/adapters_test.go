package adapters

import (
	"errors"
	"testing"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `
datasets:
  alpaca:
    location: alpaca.json
    format: instruction
  alpaca-history:
    location: alpaca.json
    format: instruction
    multi_turn: true
  dolly:
    location: dolly.jsonl
    format: dolly
  sharegpt:
    location: sharegpt.json
    format: multi_turn
    multi_turn: true
  sharegpt-last:
    location: sharegpt.json
    format: multi_turn
  openai:
    location: chats.jsonl
    format: multi_turn
    multi_turn: true
    columns:
      messages: messages
      role: role
      content: content
  hh:
    location: hh.jsonl
    format: preference
    multi_turn: true
  pairs:
    location: pairs.jsonl
    format: preference
  chip2:
    location: chip2.jsonl
    format: role_tagged
    multi_turn: true
    tag_pattern: '(?:^|\n)<(\w+)>: '
  guanaco:
    location: guanaco.jsonl
    format: role_tagged
    multi_turn: true
    tag_pattern: '###\s*(\w+):\s*'
`

func descriptor(t *testing.T, id string) registry.DatasetDescriptor {
	t.Helper()
	reg, err := registry.Parse([]byte(testRegistry))
	require.NoError(t, err)
	d, err := reg.Lookup(id)
	require.NoError(t, err)
	return d
}

func record(id string, fields map[string]any) types.RawRecord {
	return types.RawRecord{Dataset: id, Index: 7, Fields: fields}
}

func requireSchemaError(t *testing.T, err error) {
	t.Helper()
	var se *common.SchemaError
	require.Error(t, err)
	require.True(t, errors.As(err, &se), "want SchemaError, got %T: %v", err, err)
}

func TestInstructionAdapter(t *testing.T) {
	d := descriptor(t, "alpaca")

	conv, err := Normalize(record("alpaca", map[string]any{
		"instruction": "Translate to French",
		"input":       "Hello",
		"output":      "Bonjour",
	}), d)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, types.RoleUser, conv.Turns[0].Role)
	assert.Contains(t, conv.Turns[0].Text, "Translate to French")
	assert.Contains(t, conv.Turns[0].Text, "Hello")
	assert.Equal(t, types.Turn{Role: types.RoleAssistant, Text: "Bonjour"}, conv.Turns[1])

	conv, err = Normalize(record("alpaca", map[string]any{
		"instruction": "Say hi",
		"input":       "",
		"output":      "hi",
		"system":      "You are terse.",
	}), d)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 3)
	assert.Equal(t, types.RoleSystem, conv.Turns[0].Role)
	assert.Equal(t, "Say hi", conv.Turns[1].Text)

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing output", map[string]any{"instruction": "x"}},
		{"empty output", map[string]any{"instruction": "x", "output": "  "}},
		{"null output", map[string]any{"instruction": "x", "output": nil}},
		{"numeric output", map[string]any{"instruction": "x", "output": 3.0}},
		{"no prompt", map[string]any{"output": "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(record("alpaca", tt.fields), d)
			requireSchemaError(t, err)
		})
	}
}

func TestInstructionHistory(t *testing.T) {
	fields := map[string]any{
		"instruction": "and now?",
		"output":      "done",
		"history":     []any{[]any{"q1", "a1"}, []any{"q2", "a2"}},
	}

	conv, err := Normalize(record("alpaca-history", fields), descriptor(t, "alpaca-history"))
	require.NoError(t, err)
	require.Len(t, conv.Turns, 6)
	assert.Equal(t, "q1", conv.Turns[0].Text)
	assert.Equal(t, "a2", conv.Turns[3].Text)
	assert.Equal(t, "done", conv.Turns[5].Text)

	conv, err = Normalize(record("alpaca", fields), descriptor(t, "alpaca"))
	require.NoError(t, err)
	assert.Len(t, conv.Turns, 2, "history ignored for single-turn descriptors")

	fields["history"] = []any{[]any{"only one"}}
	_, err = Normalize(record("alpaca-history", fields), descriptor(t, "alpaca-history"))
	requireSchemaError(t, err)
}

func TestDollyAdapter(t *testing.T) {
	conv, err := Normalize(record("dolly", map[string]any{
		"instruction": "Summarize",
		"context":     "Long text",
		"response":    "Short",
		"category":    "summarization",
	}), descriptor(t, "dolly"))
	require.NoError(t, err)
	assert.Equal(t, "Summarize\n\nLong text", conv.Turns[0].Text)
	assert.Equal(t, "Short", conv.Turns[1].Text)

	_, err = Normalize(record("dolly", map[string]any{"instruction": "Summarize", "output": "Short"}), descriptor(t, "dolly"))
	requireSchemaError(t, err)
}

func sharegpt(msgs ...[2]string) map[string]any {
	list := make([]any, len(msgs))
	for i, m := range msgs {
		list[i] = map[string]any{"from": m[0], "value": m[1]}
	}
	return map[string]any{"id": "x", "conversations": list}
}

func TestMultiTurnAdapter(t *testing.T) {
	d := descriptor(t, "sharegpt")

	conv, err := Normalize(record("sharegpt", sharegpt(
		[2]string{"system", "be brief"},
		[2]string{"human", "hi"},
		[2]string{"gpt", "hello"},
		[2]string{"human", "bye"},
		[2]string{"gpt", "goodbye"},
	)), d)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 5)
	sys, ok := conv.System()
	assert.True(t, ok)
	assert.Equal(t, "be brief", sys.Text)
	assert.Equal(t, types.RoleAssistant, conv.Turns[4].Role)

	conv, err = Normalize(record("sharegpt-last", sharegpt(
		[2]string{"human", "hi"},
		[2]string{"gpt", "hello"},
		[2]string{"human", "bye"},
		[2]string{"gpt", "goodbye"},
	)), descriptor(t, "sharegpt-last"))
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "bye", conv.Turns[0].Text)

	tests := []struct {
		name    string
		fields  map[string]any
		wantErr error
	}{
		{"odd turns", sharegpt([2]string{"human", "a"}, [2]string{"gpt", "b"}, [2]string{"human", "c"}), common.ErrInvalidTurnOrder},
		{"leading assistant", sharegpt([2]string{"gpt", "a"}, [2]string{"human", "b"}), common.ErrInvalidTurnOrder},
		{"unknown speaker", sharegpt([2]string{"human", "a"}, [2]string{"narrator", "b"}), common.ErrUnknownRole},
		{"late system", sharegpt([2]string{"human", "a"}, [2]string{"system", "b"}), common.ErrInvalidTurnOrder},
		{"empty answer", sharegpt([2]string{"human", "a"}, [2]string{"gpt", ""}), common.ErrEmptyField},
		{"repeated role", sharegpt([2]string{"human", "a"}, [2]string{"human", "b"}), common.ErrInvalidTurnOrder},
		{"no messages", map[string]any{"conversations": []any{}}, common.ErrEmptyField},
		{"wrong type", map[string]any{"conversations": "nope"}, common.ErrWrongType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(record("sharegpt", tt.fields), d)
			requireSchemaError(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMultiTurnRemappedColumns(t *testing.T) {
	conv, err := Normalize(record("openai", map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "2+2?"},
			map[string]any{"role": "assistant", "content": "4"},
		},
	}), descriptor(t, "openai"))
	require.NoError(t, err)
	assert.Equal(t, "4", conv.Turns[1].Text)
}

func TestPreferenceAdapter(t *testing.T) {
	conv, err := Normalize(record("pairs", map[string]any{
		"prompt":   "Pick a color",
		"chosen":   "Blue",
		"rejected": "I refuse",
	}), descriptor(t, "pairs"))
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "Blue", conv.Turns[1].Text)
	for _, turn := range conv.Turns {
		assert.NotContains(t, turn.Text, "refuse")
	}

	conv, err = Normalize(record("hh", map[string]any{
		"chosen":   "\n\nHuman: What is 2+2?\n\nAssistant: 4\n\nHuman: And 3+3?\n\nAssistant: 6",
		"rejected": "\n\nHuman: What is 2+2?\n\nAssistant: 5",
	}), descriptor(t, "hh"))
	require.NoError(t, err)
	require.Len(t, conv.Turns, 4)
	assert.Equal(t, "What is 2+2?", conv.Turns[0].Text)
	assert.Equal(t, "6", conv.Turns[3].Text)

	conv, err = Normalize(record("pairs", map[string]any{
		"chosen": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hey"},
		},
		"rejected": []any{},
	}), descriptor(t, "pairs"))
	require.NoError(t, err)
	assert.Equal(t, "hey", conv.Turns[1].Text)

	_, err = Normalize(record("pairs", map[string]any{"prompt": "x", "rejected": "y"}), descriptor(t, "pairs"))
	requireSchemaError(t, err)

	_, err = Normalize(record("hh", map[string]any{"chosen": "\n\nHuman: only a question"}), descriptor(t, "hh"))
	requireSchemaError(t, err)

	_, err = Normalize(record("pairs", map[string]any{
		"chosen": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": ""},
		},
	}), descriptor(t, "pairs"))
	requireSchemaError(t, err)
	assert.ErrorIs(t, err, common.ErrEmptyField)
}

func TestRoleTaggedAdapter(t *testing.T) {
	conv, err := Normalize(record("chip2", map[string]any{
		"text": "<human>: What is Go?\n<bot>: A programming language.",
	}), descriptor(t, "chip2"))
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "What is Go?", conv.Turns[0].Text)
	assert.Equal(t, "A programming language.", conv.Turns[1].Text)

	conv, err = Normalize(record("guanaco", map[string]any{
		"text": "### Human: hola### Assistant: hello ### Human: adios### Assistant: bye",
	}), descriptor(t, "guanaco"))
	require.NoError(t, err)
	require.Len(t, conv.Turns, 4)
	assert.Equal(t, "bye", conv.Turns[3].Text)

	tests := []struct {
		name string
		text string
	}{
		{"unknown tag", "<human>: hi\n<narrator>: hello"},
		{"no tags", "just text"},
		{"leading text", "preface\n<human>: hi\n<bot>: hello"},
		{"ends with user", "<human>: hi\n<bot>: hello\n<human>: again"},
		{"empty final answer", "<human>: hi\n<bot>: "},
		{"blank final answer", "<human>: hi\n<bot>: hello\n<human>: again\n<bot>:   \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(record("chip2", map[string]any{"text": tt.text}), descriptor(t, "chip2"))
			requireSchemaError(t, err)
		})
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	d := descriptor(t, "sharegpt")
	raw := record("sharegpt", sharegpt([2]string{"human", "a"}, [2]string{"gpt", "b"}))

	first, err := Normalize(raw, d)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Normalize(raw, d)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestForUnknownFormat(t *testing.T) {
	_, err := For(registry.FormatKind("csv"))
	var ce *common.ConfigError
	assert.True(t, errors.As(err, &ce))

	for _, kind := range registry.Formats {
		a, err := For(kind)
		assert.NoError(t, err)
		assert.NotNil(t, a)
	}
}
