package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bonjour() types.Conversation {
	return types.Conversation{Turns: []types.Turn{
		{Role: types.RoleUser, Text: "Translate to French\n\nHello"},
		{Role: types.RoleAssistant, Text: "Bonjour"},
	}}
}

func TestRenderAlpaca(t *testing.T) {
	style := Builtin()["alpaca"]

	segs, err := Render(bonjour(), style)
	require.NoError(t, err)
	require.Len(t, segs, 3, "preamble + user + assistant")

	assert.Equal(t, types.RoleSystem, segs[0].Role)
	assert.Equal(t, alpacaPreamble, segs[0].Text)
	assert.False(t, segs[0].Supervised)

	assert.Equal(t, "\n\n### Instruction:\nTranslate to French\n\nHello\n\n", segs[1].Text)
	assert.False(t, segs[1].Supervised)

	assert.True(t, segs[2].Supervised)
	assert.Equal(t, "### Response:\nBonjour", segs[2].Text)

	var joined strings.Builder
	for _, seg := range segs {
		joined.WriteString(seg.Text)
	}
	assert.Equal(t, alpacaPreamble+"\n\n### Instruction:\nTranslate to French\n\nHello\n\n### Response:\nBonjour", joined.String())
}

func TestRenderExplicitSystemReplacesPreamble(t *testing.T) {
	conv := types.Conversation{Turns: append([]types.Turn{{Role: types.RoleSystem, Text: "Answer in French."}}, bonjour().Turns...)}

	segs, err := Render(conv, Builtin()["default"])
	require.NoError(t, err)
	require.Len(t, segs, 3, "one segment per turn")
	assert.Equal(t, "Answer in French.", segs[0].Text)
	for i, turn := range conv.Turns {
		assert.Equal(t, turn.Role, segs[i].Role)
		assert.Equal(t, turn.Role == types.RoleAssistant, segs[i].Supervised)
	}
}

func TestRenderNoPreamble(t *testing.T) {
	segs, err := Render(bonjour(), Builtin()["plain"])
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "Translate to French\n\nHello\n", segs[0].Text)
	assert.Equal(t, "Bonjour", segs[1].Text)
}

func TestRenderChatML(t *testing.T) {
	segs, err := Render(bonjour(), Builtin()["chatml"])
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, "<|im_start|>system\nYou are a helpful assistant.<|im_end|>", segs[0].Text)
	assert.Equal(t, "<|im_start|>assistant\nBonjour<|im_end|>", segs[2].Text)
}

func TestRenderAssistantSegmentsCarryNoSeparator(t *testing.T) {
	conv := types.Conversation{Turns: []types.Turn{
		{Role: types.RoleUser, Text: "q1"},
		{Role: types.RoleAssistant, Text: "a1"},
		{Role: types.RoleUser, Text: "q2"},
		{Role: types.RoleAssistant, Text: "a2"},
	}}
	for name, style := range Builtin() {
		t.Run(name, func(t *testing.T) {
			segs, err := Render(conv, style)
			require.NoError(t, err)

			var idx int
			for _, seg := range segs {
				if !seg.Supervised {
					continue
				}
				turn := conv.Turns[2*idx+1]
				assert.Equal(t, style.Prefix[turn.Role]+turn.Text+style.Suffix[turn.Role], seg.Text)
				idx++
			}
			assert.Equal(t, 2, idx)
		})
	}
}

func TestRenderDeterministic(t *testing.T) {
	for name, style := range Builtin() {
		t.Run(name, func(t *testing.T) {
			first, err := Render(bonjour(), style)
			require.NoError(t, err)
			for i := 0; i < 5; i++ {
				again, err := Render(bonjour(), style)
				require.NoError(t, err)
				assert.Equal(t, first, again)
			}
		})
	}
}

func TestRenderRejectsInvalidConversation(t *testing.T) {
	conv := types.Conversation{Turns: []types.Turn{{Role: types.RoleUser, Text: "hi"}}}
	_, err := Render(conv, Builtin()["default"])
	var se *common.SchemaError
	assert.True(t, errors.As(err, &se))
}

func TestRenderPrompt(t *testing.T) {
	style := Builtin()["vicuna"]
	prompt := RenderPrompt(style, []Exchange{{Query: "hi", Response: "hello"}}, "how are you?", "")

	assert.Equal(t, vicunaPreamble+" USER: hi ASSISTANT: hello</s> USER: how are you? ASSISTANT: ", prompt)

	plain := RenderPrompt(Builtin()["plain"], nil, "q", "")
	assert.Equal(t, "q\n", plain)
}

func TestSet(t *testing.T) {
	set, err := NewSet(map[string]registry.TemplateSpec{
		"terse": {
			Prefix:    map[string]string{"user": "Q: ", "assistant": "A: "},
			Separator: "\n",
			AddEOS:    true,
		},
	})
	require.NoError(t, err)

	st, err := set.Get("terse")
	require.NoError(t, err)
	assert.Equal(t, "Q: ", st.Prefix[types.RoleUser])
	assert.True(t, st.AddEOS)
	assert.False(t, st.AddBOS)

	_, err = set.Get("default")
	assert.NoError(t, err)

	_, err = set.Get("missing")
	assert.ErrorIs(t, err, common.ErrUnknownTemplate)

	assert.Contains(t, set.Names(), "terse")
	assert.IsIncreasing(t, set.Names())

	_, err = NewSet(map[string]registry.TemplateSpec{"bad": {Prefix: map[string]string{"narrator": "> "}}})
	var ce *common.ConfigError
	assert.True(t, errors.As(err, &ce))
}
