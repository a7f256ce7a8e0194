package common

import (
	"errors"
	"fmt"
)

// Sentinel causes shared by the pipeline stages
var (
	ErrEmptyField       = errors.New("field is missing or empty")
	ErrWrongType        = errors.New("field has unexpected type")
	ErrUnknownDataset   = errors.New("unknown dataset identifier")
	ErrUnknownTemplate  = errors.New("unknown template style")
	ErrUnknownFormat    = errors.New("unknown raw format")
	ErrInvalidTurnOrder = errors.New("turns do not alternate user/assistant")
	ErrUnknownRole      = errors.New("unrecognized role tag")
	ErrNoSupervision    = errors.New("no supervised segment")
)

// Skip reasons reported by the pipeline
const (
	ReasonSchema    = "schema"
	ReasonBudget    = "budget"
	ReasonTokenizer = "tokenizer"
	ReasonUnknown   = "unknown"
)

// SchemaError reports a RawRecord whose fields cannot be normalized into a
// valid Conversation. It is recoverable: the record is skipped.
type SchemaError struct {
	Dataset string
	Field   string
	Err     error
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema error in %q field %q: %v", e.Dataset, e.Field, e.Err)
	}
	return fmt.Sprintf("schema error in %q: %v", e.Dataset, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// NewSchemaError builds a SchemaError with a formatted cause
func NewSchemaError(dataset, field string, err error, format string, args ...interface{}) *SchemaError {
	if format != "" {
		err = fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	return &SchemaError{Dataset: dataset, Field: field, Err: err}
}

// ConfigError reports an unknown identifier or malformed descriptor. It is
// fatal at startup.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error at %q: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigErrorf builds a ConfigError from a format string
func ConfigErrorf(key, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Key: key, Err: fmt.Errorf(format, args...)}
}

// BudgetExceededError is returned under the drop_none policy, or when even
// the final assistant turn cannot fit the budget.
type BudgetExceededError struct {
	Length int
	Budget int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("token length %d exceeds budget %d", e.Length, e.Budget)
}

// TokenizerError wraps a failure of the external tokenizer after retry
type TokenizerError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TokenizerError) Error() string {
	return fmt.Sprintf("tokenizer %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TokenizerError) Unwrap() error { return e.Err }

// Reason classifies a per-record error into a skip reason
func Reason(err error) string {
	var (
		se *SchemaError
		be *BudgetExceededError
		te *TokenizerError
	)
	switch {
	case errors.As(err, &se):
		return ReasonSchema
	case errors.As(err, &be):
		return ReasonBudget
	case errors.As(err, &te):
		return ReasonTokenizer
	default:
		return ReasonUnknown
	}
}

// IsRecoverable reports whether err only affects a single record
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return false
	}
	return Reason(err) != ReasonUnknown
}

// WrapError wraps an error with additional context
func WrapError(err error, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(message, args...), err)
}
