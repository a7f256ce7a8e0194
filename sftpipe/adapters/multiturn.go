package adapters

import (
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// normalizeMultiTurn handles pre-rendered dialogue logs such as ShareGPT:
// {"conversations": [{"from": "human", "value": "..."}, ...]}
func normalizeMultiTurn(raw types.RawRecord, desc registry.DatasetDescriptor) (types.Conversation, error) {
	cols := desc.Columns

	msgs, ok, err := listField(raw, cols.Messages)
	if err != nil {
		return types.Conversation{}, err
	}
	if !ok || len(msgs) == 0 {
		return types.Conversation{}, common.NewSchemaError(raw.Dataset, cols.Messages, common.ErrEmptyField, "record %d", raw.Index)
	}

	turns, err := messageTurns(raw, desc, cols.Messages, msgs, cols.Role, cols.Content)
	if err != nil {
		return types.Conversation{}, err
	}

	system, _, err := stringField(raw, cols.System)
	if err != nil {
		return types.Conversation{}, err
	}
	if len(turns) > 0 && turns[0].Role == types.RoleSystem {
		system = turns[0].Text
		turns = turns[1:]
	}

	if len(turns) == 0 {
		return types.Conversation{}, common.NewSchemaError(raw.Dataset, cols.Messages, common.ErrEmptyField, "record %d: no dialogue turns", raw.Index)
	}
	if turns[0].Role != types.RoleUser {
		return types.Conversation{}, common.NewSchemaError(raw.Dataset, cols.Messages, common.ErrInvalidTurnOrder, "record %d: dialogue starts with %s", raw.Index, turns[0].Role)
	}
	if len(turns)%2 != 0 {
		return types.Conversation{}, common.NewSchemaError(raw.Dataset, cols.Messages, common.ErrInvalidTurnOrder, "record %d: odd number of turns (%d)", raw.Index, len(turns))
	}
	return finish(raw, desc, cols.Messages, system, turns)
}

// messageTurns maps a list of {role, content} objects to turns. A system
// message is only accepted in leading position.
func messageTurns(raw types.RawRecord, desc registry.DatasetDescriptor, field string, msgs []any, roleKey, contentKey string) ([]types.Turn, error) {
	turns := make([]types.Turn, 0, len(msgs))
	for i, m := range msgs {
		obj, ok := m.(map[string]any)
		if !ok {
			return nil, common.NewSchemaError(raw.Dataset, field, common.ErrWrongType, "record %d: message %d is %T", raw.Index, i, m)
		}
		speaker, err := asString(obj[roleKey])
		if err != nil {
			return nil, common.NewSchemaError(raw.Dataset, roleKey, err, "record %d: message %d", raw.Index, i)
		}
		role, ok := desc.Speaker(speaker)
		if !ok {
			return nil, common.NewSchemaError(raw.Dataset, roleKey, common.ErrUnknownRole, "record %d: message %d speaker %q", raw.Index, i, speaker)
		}
		if role == types.RoleSystem && i != 0 {
			return nil, common.NewSchemaError(raw.Dataset, roleKey, common.ErrInvalidTurnOrder, "record %d: system message at position %d", raw.Index, i)
		}
		text, err := asString(obj[contentKey])
		if err != nil {
			return nil, common.NewSchemaError(raw.Dataset, contentKey, err, "record %d: message %d", raw.Index, i)
		}
		turns = append(turns, types.Turn{Role: role, Text: text})
	}
	return turns, nil
}
