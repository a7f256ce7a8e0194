package template

import (
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// Render maps every Turn to exactly one RenderedSegment, preceded by the
// style's preamble when the conversation carries no system turn. Separators
// are always attached to a user or system segment, so an assistant segment
// is exactly prefix + text + suffix.
func Render(conv types.Conversation, style Style) ([]types.RenderedSegment, error) {
	if err := conv.Validate(); err != nil {
		return nil, &common.SchemaError{Err: err}
	}

	segments := make([]types.RenderedSegment, 0, len(conv.Turns)+1)
	if _, ok := conv.System(); !ok && style.System != "" {
		segments = append(segments, style.segment(types.Turn{Role: types.RoleSystem, Text: style.System}))
	}
	for _, t := range conv.Turns {
		segments = append(segments, style.segment(t))
	}
	style.separate(segments)
	return segments, nil
}

func (s Style) segment(t types.Turn) types.RenderedSegment {
	return types.RenderedSegment{
		Role:       t.Role,
		Text:       s.Prefix[t.Role] + t.Text + s.Suffix[t.Role],
		Supervised: t.Role == types.RoleAssistant,
	}
}

// separate places the separator between consecutive segments: at the tail
// of the segment before an assistant turn, otherwise at the head of the
// following segment. Validated conversations never put two assistant
// segments next to each other.
func (s Style) separate(segments []types.RenderedSegment) {
	if s.Separator == "" {
		return
	}
	for i := 1; i < len(segments); i++ {
		if segments[i].Role == types.RoleAssistant {
			segments[i-1].Text += s.Separator
		} else {
			segments[i].Text = s.Separator + segments[i].Text
		}
	}
}

// Exchange is one completed query/response pair of chat history
type Exchange struct {
	Query    string
	Response string
}

// RenderPrompt builds an inference prompt: the history, the new query, and
// an open assistant prefix for the model to complete. An empty system
// string falls back to the style preamble.
func RenderPrompt(style Style, history []Exchange, query, system string) string {
	if system == "" {
		system = style.System
	}

	var turns []types.RenderedSegment
	if system != "" {
		turns = append(turns, style.segment(types.Turn{Role: types.RoleSystem, Text: system}))
	}
	for _, h := range history {
		turns = append(turns,
			style.segment(types.Turn{Role: types.RoleUser, Text: h.Query}),
			style.segment(types.Turn{Role: types.RoleAssistant, Text: h.Response}))
	}
	turns = append(turns,
		style.segment(types.Turn{Role: types.RoleUser, Text: query}),
		types.RenderedSegment{Role: types.RoleAssistant, Text: style.Prefix[types.RoleAssistant]})
	style.separate(turns)

	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Text)
	}
	return b.String()
}
