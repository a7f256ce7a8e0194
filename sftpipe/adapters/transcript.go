package adapters

import (
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// normalizeRoleTagged parses an embedded transcript such as
// "<human>: hi\n<bot>: hello" using the descriptor's tag pattern.
func normalizeRoleTagged(raw types.RawRecord, desc registry.DatasetDescriptor) (types.Conversation, error) {
	text, err := requiredString(raw, desc.Columns.Text)
	if err != nil {
		return types.Conversation{}, err
	}
	turns, err := parseTranscript(raw, desc, desc.Columns.Text, text)
	if err != nil {
		return types.Conversation{}, err
	}
	sys, dialogue := splitSystem(turns)
	return finish(raw, desc, desc.Columns.Text, sys, dialogue)
}

// parseTranscript splits text at every role tag. The capture group of the
// tag pattern names the speaker.
func parseTranscript(raw types.RawRecord, desc registry.DatasetDescriptor, field, text string) ([]types.Turn, error) {
	re := desc.TagRegexp()
	if re == nil {
		return nil, &common.ConfigError{Key: "datasets." + desc.ID + ".tag_pattern", Err: common.ErrEmptyField}
	}

	locs := re.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil, common.NewSchemaError(raw.Dataset, field, common.ErrUnknownRole, "record %d: no role tags found", raw.Index)
	}
	if lead := strings.TrimSpace(text[:locs[0][0]]); lead != "" {
		return nil, common.NewSchemaError(raw.Dataset, field, common.ErrUnknownRole, "record %d: text before first role tag", raw.Index)
	}

	turns := make([]types.Turn, 0, len(locs))
	for i, loc := range locs {
		name := text[loc[2]:loc[3]]
		role, ok := desc.Speaker(name)
		if !ok {
			return nil, common.NewSchemaError(raw.Dataset, field, common.ErrUnknownRole, "record %d: tag %q", raw.Index, name)
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		turns = append(turns, types.Turn{Role: role, Text: strings.TrimSpace(text[loc[1]:end])})
	}
	return turns, nil
}

func splitSystem(turns []types.Turn) (string, []types.Turn) {
	if len(turns) > 0 && turns[0].Role == types.RoleSystem {
		return turns[0].Text, turns[1:]
	}
	return "", turns
}
