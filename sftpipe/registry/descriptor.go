package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// FormatKind is the closed set of raw record layouts
type FormatKind string

const (
	FormatInstruction FormatKind = "instruction"
	FormatDolly       FormatKind = "dolly"
	FormatPreference  FormatKind = "preference"
	FormatMultiTurn   FormatKind = "multi_turn"
	FormatRoleTagged  FormatKind = "role_tagged"
)

// Formats lists every recognized FormatKind
var Formats = []FormatKind{FormatInstruction, FormatDolly, FormatPreference, FormatMultiTurn, FormatRoleTagged}

// Valid reports whether f is a recognized format
func (f FormatKind) Valid() bool {
	for _, k := range Formats {
		if k == f {
			return true
		}
	}
	return false
}

// ColumnMap remaps canonical field names to the dataset's own column names
type ColumnMap struct {
	Prompt   string `yaml:"prompt"`
	Query    string `yaml:"query"`
	Response string `yaml:"response"`
	History  string `yaml:"history"`
	System   string `yaml:"system"`
	Chosen   string `yaml:"chosen"`
	Rejected string `yaml:"rejected"`
	Messages string `yaml:"messages"`
	Role     string `yaml:"role"`
	Content  string `yaml:"content"`
	Text     string `yaml:"text"`
}

// DefaultColumns returns the column names a format uses when not remapped
func DefaultColumns(kind FormatKind) ColumnMap {
	cm := ColumnMap{System: "system", History: "history"}
	switch kind {
	case FormatInstruction:
		cm.Prompt, cm.Query, cm.Response = "instruction", "input", "output"
	case FormatDolly:
		cm.Prompt, cm.Query, cm.Response = "instruction", "context", "response"
	case FormatPreference:
		cm.Prompt, cm.Chosen, cm.Rejected = "prompt", "chosen", "rejected"
	case FormatMultiTurn:
		cm.Messages, cm.Role, cm.Content = "conversations", "from", "value"
	case FormatRoleTagged:
		cm.Text = "text"
	}
	return cm
}

func (c ColumnMap) withDefaults(kind FormatKind) ColumnMap {
	d := DefaultColumns(kind)
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	return ColumnMap{
		Prompt:   pick(c.Prompt, d.Prompt),
		Query:    pick(c.Query, d.Query),
		Response: pick(c.Response, d.Response),
		History:  pick(c.History, d.History),
		System:   pick(c.System, d.System),
		Chosen:   pick(c.Chosen, d.Chosen),
		Rejected: pick(c.Rejected, d.Rejected),
		Messages: pick(c.Messages, d.Messages),
		Role:     pick(c.Role, d.Role),
		Content:  pick(c.Content, d.Content),
		Text:     pick(c.Text, d.Text),
	}
}

// DefaultTagPattern matches hh-rlhf style "\n\nHuman: " markers
const DefaultTagPattern = `(?:^|\n\n)(\w+): `

// DefaultSpeakers maps common speaker names to canonical roles
func DefaultSpeakers() map[string]types.Role {
	return map[string]types.Role{
		"system":    types.RoleSystem,
		"human":     types.RoleUser,
		"user":      types.RoleUser,
		"gpt":       types.RoleAssistant,
		"assistant": types.RoleAssistant,
		"chatgpt":   types.RoleAssistant,
		"bard":      types.RoleAssistant,
		"model":     types.RoleAssistant,
		"bot":       types.RoleAssistant,
	}
}

// DatasetDescriptor is the immutable description of one dataset
type DatasetDescriptor struct {
	ID         string
	Location   string
	Format     FormatKind
	Columns    ColumnMap
	MultiTurn  bool
	TagPattern string
	Roles      map[string]types.Role
	Exclude    []string

	tagRe *regexp.Regexp
}

// TagRegexp returns the compiled role-tag pattern
func (d DatasetDescriptor) TagRegexp() *regexp.Regexp { return d.tagRe }

// Speaker maps a raw speaker or tag name to a role, case-insensitively
func (d DatasetDescriptor) Speaker(name string) (types.Role, bool) {
	r, ok := d.Roles[strings.ToLower(strings.TrimSpace(name))]
	return r, ok
}

// descriptorSpec is the YAML shape of a dataset entry
type descriptorSpec struct {
	Location   string            `yaml:"location"`
	Format     string            `yaml:"format"`
	Columns    ColumnMap         `yaml:"columns"`
	MultiTurn  bool              `yaml:"multi_turn"`
	TagPattern string            `yaml:"tag_pattern"`
	Roles      map[string]string `yaml:"roles"`
	Exclude    []string          `yaml:"exclude"`
}

// build validates a spec and produces the descriptor with defaults applied
func (s descriptorSpec) build(id string) (DatasetDescriptor, error) {
	key := "datasets." + id
	if strings.TrimSpace(id) == "" {
		return DatasetDescriptor{}, common.ConfigErrorf("datasets", "dataset identifier cannot be empty")
	}
	if strings.ContainsAny(id, ", \t\n") {
		return DatasetDescriptor{}, common.ConfigErrorf(key, "dataset identifier %q contains separators", id)
	}
	if strings.TrimSpace(s.Location) == "" {
		return DatasetDescriptor{}, common.ConfigErrorf(key+".location", "location cannot be empty")
	}
	kind := FormatKind(strings.ToLower(strings.TrimSpace(s.Format)))
	if !kind.Valid() {
		return DatasetDescriptor{}, &common.ConfigError{Key: key + ".format", Err: fmt.Errorf("%w: %q", common.ErrUnknownFormat, s.Format)}
	}

	d := DatasetDescriptor{
		ID:        id,
		Location:  s.Location,
		Format:    kind,
		Columns:   s.Columns.withDefaults(kind),
		MultiTurn: s.MultiTurn,
		Exclude:   append([]string(nil), s.Exclude...),
		Roles:     DefaultSpeakers(),
	}
	for name, role := range s.Roles {
		r, err := types.ParseRole(strings.ToLower(role))
		if err != nil {
			return DatasetDescriptor{}, &common.ConfigError{Key: key + ".roles." + name, Err: err}
		}
		d.Roles[strings.ToLower(name)] = r
	}

	pattern := s.TagPattern
	if pattern == "" && (kind == FormatRoleTagged || kind == FormatPreference) {
		pattern = DefaultTagPattern
	}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return DatasetDescriptor{}, &common.ConfigError{Key: key + ".tag_pattern", Err: err}
		}
		if re.NumSubexp() != 1 {
			return DatasetDescriptor{}, common.ConfigErrorf(key+".tag_pattern", "pattern must have exactly one capture group, has %d", re.NumSubexp())
		}
		d.TagPattern = pattern
		d.tagRe = re
	}
	return d, nil
}
