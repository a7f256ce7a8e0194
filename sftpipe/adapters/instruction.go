package adapters

import (
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// normalizeInstruction handles flat instruction/input/output records
// (alpaca, dolly, self-instruct and friends).
func normalizeInstruction(raw types.RawRecord, desc registry.DatasetDescriptor) (types.Conversation, error) {
	cols := desc.Columns

	response, err := requiredString(raw, cols.Response)
	if err != nil {
		return types.Conversation{}, err
	}
	instruction, _, err := stringField(raw, cols.Prompt)
	if err != nil {
		return types.Conversation{}, err
	}
	input, _, err := stringField(raw, cols.Query)
	if err != nil {
		return types.Conversation{}, err
	}
	system, _, err := stringField(raw, cols.System)
	if err != nil {
		return types.Conversation{}, err
	}

	user := joinPrompt(instruction, input)
	if strings.TrimSpace(user) == "" {
		return types.Conversation{}, common.NewSchemaError(raw.Dataset, cols.Prompt, common.ErrEmptyField, "record %d: no instruction or input", raw.Index)
	}

	var turns []types.Turn
	if desc.MultiTurn {
		turns, err = historyTurns(raw, cols.History)
		if err != nil {
			return types.Conversation{}, err
		}
	}
	turns = append(turns,
		types.Turn{Role: types.RoleUser, Text: user},
		types.Turn{Role: types.RoleAssistant, Text: response},
	)
	return withSystem(system, turns), nil
}

func joinPrompt(instruction, input string) string {
	switch {
	case input == "":
		return instruction
	case instruction == "":
		return input
	default:
		return instruction + "\n\n" + input
	}
}

// historyTurns decodes a [[query, response], ...] history column
func historyTurns(raw types.RawRecord, key string) ([]types.Turn, error) {
	hist, ok, err := listField(raw, key)
	if err != nil || !ok {
		return nil, err
	}
	turns := make([]types.Turn, 0, len(hist)*2)
	for i, h := range hist {
		pair, ok := h.([]any)
		if !ok || len(pair) != 2 {
			return nil, common.NewSchemaError(raw.Dataset, key, common.ErrWrongType, "record %d: history entry %d is not a [query, response] pair", raw.Index, i)
		}
		q, err := asString(pair[0])
		if err != nil {
			return nil, common.NewSchemaError(raw.Dataset, key, err, "record %d: history entry %d", raw.Index, i)
		}
		a, err := asString(pair[1])
		if err != nil {
			return nil, common.NewSchemaError(raw.Dataset, key, err, "record %d: history entry %d", raw.Index, i)
		}
		turns = append(turns,
			types.Turn{Role: types.RoleUser, Text: q},
			types.Turn{Role: types.RoleAssistant, Text: a},
		)
	}
	return turns, nil
}
