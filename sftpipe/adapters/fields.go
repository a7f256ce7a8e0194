package adapters

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// stringField reads an optional string column. Missing and null values are
// reported as ("", false, nil).
func stringField(raw types.RawRecord, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	v, ok := raw.Fields[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, common.NewSchemaError(raw.Dataset, key, common.ErrWrongType, "record %d: got %T", raw.Index, v)
	}
	return s, true, nil
}

// requiredString reads a column that must be present and non-blank
func requiredString(raw types.RawRecord, key string) (string, error) {
	s, ok, err := stringField(raw, key)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(s) == "" {
		return "", common.NewSchemaError(raw.Dataset, key, common.ErrEmptyField, "record %d", raw.Index)
	}
	return s, nil
}

// listField reads an optional list column
func listField(raw types.RawRecord, key string) ([]any, bool, error) {
	v, ok := raw.Fields[key]
	if !ok || v == nil {
		return nil, false, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, false, common.NewSchemaError(raw.Dataset, key, common.ErrWrongType, "record %d: got %T", raw.Index, v)
	}
	return l, true, nil
}

// asString converts a decoded JSON scalar into a string
func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%w: got %T", common.ErrWrongType, v)
	}
}
