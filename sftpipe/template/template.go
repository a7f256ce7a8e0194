// Package template renders canonical Conversations into role-tagged text
// segments for a named prompt style.
package template

import (
	"fmt"
	"sort"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// Style is a named set of textual framing rules
type Style struct {
	Name string
	// System is the preamble used when a conversation has no system turn
	System    string
	Prefix    map[types.Role]string
	Suffix    map[types.Role]string
	Separator string
	AddBOS    bool
	AddEOS    bool
}

const (
	chatPreamble   = "A chat between a curious human and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the user's questions."
	vicunaPreamble = "A chat between a curious user and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the user's questions."
	alpacaPreamble = "Below is an instruction that describes a task. Write a response that appropriately completes the request."
)

// Builtin returns the styles available without configuration
func Builtin() map[string]Style {
	return map[string]Style{
		"default": {
			Name:      "default",
			System:    chatPreamble,
			Prefix:    map[types.Role]string{types.RoleUser: "### Human: ", types.RoleAssistant: "### Assistant: "},
			Separator: "\n",
			AddBOS:    true,
			AddEOS:    true,
		},
		"alpaca": {
			Name:      "alpaca",
			System:    alpacaPreamble,
			Prefix:    map[types.Role]string{types.RoleUser: "### Instruction:\n", types.RoleAssistant: "### Response:\n"},
			Separator: "\n\n",
			AddBOS:    true,
			AddEOS:    true,
		},
		"vicuna": {
			Name:      "vicuna",
			System:    vicunaPreamble,
			Prefix:    map[types.Role]string{types.RoleUser: "USER: ", types.RoleAssistant: "ASSISTANT: "},
			Suffix:    map[types.Role]string{types.RoleAssistant: "</s>"},
			Separator: " ",
			AddBOS:    true,
		},
		"chatml": {
			Name:   "chatml",
			System: "You are a helpful assistant.",
			Prefix: map[types.Role]string{
				types.RoleSystem:    "<|im_start|>system\n",
				types.RoleUser:      "<|im_start|>user\n",
				types.RoleAssistant: "<|im_start|>assistant\n",
			},
			Suffix: map[types.Role]string{
				types.RoleSystem:    "<|im_end|>",
				types.RoleUser:      "<|im_end|>",
				types.RoleAssistant: "<|im_end|>",
			},
			Separator: "\n",
		},
		"plain": {
			Name:      "plain",
			Separator: "\n",
			AddBOS:    true,
			AddEOS:    true,
		},
	}
}

// FromSpec converts a registry template declaration into a Style
func FromSpec(name string, spec registry.TemplateSpec) (Style, error) {
	s := Style{
		Name:      name,
		System:    spec.System,
		Separator: spec.Separator,
		AddBOS:    spec.AddBOS,
		AddEOS:    spec.AddEOS,
	}
	var err error
	if s.Prefix, err = roleMap(name, "prefix", spec.Prefix); err != nil {
		return Style{}, err
	}
	if s.Suffix, err = roleMap(name, "suffix", spec.Suffix); err != nil {
		return Style{}, err
	}
	return s, nil
}

func roleMap(name, field string, in map[string]string) (map[types.Role]string, error) {
	out := make(map[types.Role]string, len(in))
	for k, v := range in {
		r, err := types.ParseRole(k)
		if err != nil {
			return nil, &common.ConfigError{Key: fmt.Sprintf("templates.%s.%s.%s", name, field, k), Err: err}
		}
		out[r] = v
	}
	return out, nil
}

// Set is an immutable collection of styles addressable by name
type Set struct {
	styles map[string]Style
}

// NewSet builds the built-in styles plus the given declarations. Declared
// styles override built-ins with the same name.
func NewSet(specs map[string]registry.TemplateSpec) (*Set, error) {
	styles := Builtin()
	for name, spec := range specs {
		s, err := FromSpec(name, spec)
		if err != nil {
			return nil, err
		}
		styles[name] = s
	}
	return &Set{styles: styles}, nil
}

// Get returns the named style
func (s *Set) Get(name string) (Style, error) {
	st, ok := s.styles[name]
	if !ok {
		return Style{}, &common.ConfigError{Key: name, Err: common.ErrUnknownTemplate}
	}
	return st, nil
}

// Names lists the available style names
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.styles))
	for k := range s.styles {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
