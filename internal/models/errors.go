package models

import "fmt"

// RecoverableError is implemented by enriched errors that carry structured
// context and remediation hints. Both the store and output packages use this
// interface to avoid an import cycle.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// InvalidArgumentError is the shared INVALID_ARGUMENT taxonomy leaf for a
// caller-supplied parameter that is out of range or malformed, as opposed to
// a store-level conflict (which gets its own concrete error type).
type InvalidArgumentError struct {
	Field  string
	Detail string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Detail)
}
func (e *InvalidArgumentError) ErrorCode() string { return "INVALID_ARGUMENT" }
func (e *InvalidArgumentError) Context() map[string]string {
	return map[string]string{"field": e.Field, "detail": e.Detail}
}
func (e *InvalidArgumentError) SuggestedAction() string {
	return "correct the field and retry"
}
