// Package adapters converts raw dataset records into canonical
// Conversations. Each registry.FormatKind is bound to exactly one pure
// Adapter; Normalize dispatches through a single table lookup.
package adapters

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// Adapter normalizes one raw record. Implementations must be pure.
type Adapter func(raw types.RawRecord, desc registry.DatasetDescriptor) (types.Conversation, error)

var table = map[registry.FormatKind]Adapter{
	registry.FormatInstruction: normalizeInstruction,
	registry.FormatDolly:       normalizeInstruction,
	registry.FormatPreference:  normalizePreference,
	registry.FormatMultiTurn:   normalizeMultiTurn,
	registry.FormatRoleTagged:  normalizeRoleTagged,
}

// For returns the adapter bound to kind
func For(kind registry.FormatKind) (Adapter, error) {
	a, ok := table[kind]
	if !ok {
		return nil, &common.ConfigError{Key: string(kind), Err: common.ErrUnknownFormat}
	}
	return a, nil
}

// Normalize converts raw into a validated Conversation. Every failure caused
// by the record's content is a *common.SchemaError.
func Normalize(raw types.RawRecord, desc registry.DatasetDescriptor) (types.Conversation, error) {
	adapt, err := For(desc.Format)
	if err != nil {
		return types.Conversation{}, err
	}
	conv, err := adapt(raw, desc)
	if err != nil {
		return types.Conversation{}, err
	}
	if err := conv.Validate(); err != nil {
		return types.Conversation{}, &common.SchemaError{Dataset: desc.ID, Err: fmt.Errorf("record %d: %w", raw.Index, err)}
	}
	return conv, nil
}

// withSystem prepends a system turn when text is not empty
func withSystem(system string, turns []types.Turn) types.Conversation {
	if system == "" {
		return types.Conversation{Turns: turns}
	}
	out := make([]types.Turn, 0, len(turns)+1)
	out = append(out, types.Turn{Role: types.RoleSystem, Text: system})
	return types.Conversation{Turns: append(out, turns...)}
}

// finish validates the whole dialogue, rejects a blank final answer, then
// drops history when the descriptor is not multi-turn.
func finish(raw types.RawRecord, desc registry.DatasetDescriptor, field, system string, dialogue []types.Turn) (types.Conversation, error) {
	if err := (types.Conversation{Turns: dialogue}).Validate(); err != nil {
		return types.Conversation{}, &common.SchemaError{Dataset: raw.Dataset, Field: field, Err: fmt.Errorf("record %d: %w", raw.Index, err)}
	}
	if strings.TrimSpace(dialogue[len(dialogue)-1].Text) == "" {
		return types.Conversation{}, common.NewSchemaError(raw.Dataset, field, common.ErrEmptyField, "record %d: final assistant turn is empty", raw.Index)
	}
	if !desc.MultiTurn {
		dialogue = lastExchange(dialogue)
	}
	return withSystem(system, dialogue), nil
}

// lastExchange keeps only the final user/assistant pair of a dialogue
func lastExchange(turns []types.Turn) []types.Turn {
	if len(turns) <= 2 {
		return turns
	}
	return turns[len(turns)-2:]
}
