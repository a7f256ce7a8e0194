package types

import (
	"fmt"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
)

// IgnoreIndex marks a label position excluded from the loss
const IgnoreIndex = -100

// Role identifies who authored a Turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ParseRole converts a string to a Role
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", common.ErrUnknownRole, s)
	}
	return r, nil
}

// RawRecord is one record exactly as parsed from the dataset source
type RawRecord struct {
	Dataset string
	Index   int
	Fields  map[string]any
}

// Turn is one role-attributed utterance
type Turn struct {
	Role Role
	Text string
}

// Conversation is the canonical ordered sequence of turns
type Conversation struct {
	Turns []Turn
}

// System returns the leading system turn, if any
func (c Conversation) System() (Turn, bool) {
	if len(c.Turns) > 0 && c.Turns[0].Role == RoleSystem {
		return c.Turns[0], true
	}
	return Turn{}, false
}

// Dialogue returns the turns after the optional system turn
func (c Conversation) Dialogue() []Turn {
	if _, ok := c.System(); ok {
		return c.Turns[1:]
	}
	return c.Turns
}

// Validate checks that the dialogue alternates user/assistant starting with
// user and ends with an assistant turn.
func (c Conversation) Validate() error {
	dialogue := c.Dialogue()
	if len(dialogue) == 0 {
		return fmt.Errorf("%w: conversation has no user/assistant turns", common.ErrInvalidTurnOrder)
	}
	for i, t := range dialogue {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		if t.Role != want {
			return fmt.Errorf("%w: turn %d is %q, want %q", common.ErrInvalidTurnOrder, i, t.Role, want)
		}
	}
	if dialogue[len(dialogue)-1].Role != RoleAssistant {
		return fmt.Errorf("%w: conversation must end with an assistant turn", common.ErrInvalidTurnOrder)
	}
	return nil
}

// RenderedSegment is the template output for one Turn
type RenderedSegment struct {
	Role       Role
	Text       string
	Supervised bool
}

// Span is the half-open token range [Start, End) produced by one segment.
// Role is empty for the beginning-of-sequence token.
type Span struct {
	Role       Role
	Start      int
	End        int
	Supervised bool
}

// Len returns the number of tokens in the span
func (s Span) Len() int { return s.End - s.Start }

// TokenizedExample is the engine output. InputIDs and Labels always have
// the same length.
type TokenizedExample struct {
	InputIDs []int
	Labels   []int
	Spans    []Span
}

// Len returns the sequence length
func (e TokenizedExample) Len() int { return len(e.InputIDs) }

// SupervisedCount returns the number of positions that carry a real label
func (e TokenizedExample) SupervisedCount() int {
	n := 0
	for _, l := range e.Labels {
		if l != IgnoreIndex {
			n++
		}
	}
	return n
}

// Clone returns a deep copy
func (e TokenizedExample) Clone() TokenizedExample {
	return TokenizedExample{
		InputIDs: append([]int(nil), e.InputIDs...),
		Labels:   append([]int(nil), e.Labels...),
		Spans:    append([]Span(nil), e.Spans...),
	}
}

// MaterializedExample is the record handed to the training collator
type MaterializedExample struct {
	Dataset       string `json:"dataset"`
	Index         int    `json:"index"`
	InputIDs      []int  `json:"input_ids"`
	Labels        []int  `json:"labels"`
	AttentionMask []int  `json:"attention_mask"`
}
