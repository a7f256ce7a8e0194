package adapters

import (
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// normalizePreference keeps only the chosen response of a comparison pair.
// The chosen value may be a plain response (paired with a prompt column), a
// role-tagged transcript (hh-rlhf) or a list of {role, content} messages.
func normalizePreference(raw types.RawRecord, desc registry.DatasetDescriptor) (types.Conversation, error) {
	cols := desc.Columns

	if msgs, ok, err := listField(raw, cols.Chosen); err == nil && ok {
		turns, err := messageTurns(raw, desc, cols.Chosen, msgs, pick(cols.Role, "role"), pick(cols.Content, "content"))
		if err != nil {
			return types.Conversation{}, err
		}
		sys, dialogue := splitSystem(turns)
		return finish(raw, desc, cols.Chosen, sys, dialogue)
	}

	chosen, err := requiredString(raw, cols.Chosen)
	if err != nil {
		return types.Conversation{}, err
	}
	prompt, _, err := stringField(raw, cols.Prompt)
	if err != nil {
		return types.Conversation{}, err
	}
	system, _, err := stringField(raw, cols.System)
	if err != nil {
		return types.Conversation{}, err
	}

	if strings.TrimSpace(prompt) != "" {
		return withSystem(system, []types.Turn{
			{Role: types.RoleUser, Text: prompt},
			{Role: types.RoleAssistant, Text: chosen},
		}), nil
	}

	turns, err := parseTranscript(raw, desc, cols.Chosen, chosen)
	if err != nil {
		return types.Conversation{}, err
	}
	sys, dialogue := splitSystem(turns)
	if sys == "" {
		sys = system
	}
	return finish(raw, desc, cols.Chosen, sys, dialogue)
}

func pick(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
