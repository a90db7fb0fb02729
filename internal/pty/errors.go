package pty

import "fmt"

// DeliveryError is the Delivery-category taxonomy leaf returned by
// ResolveTarget, PrepareTriggerPayload, and Deliver.
type DeliveryError struct {
	Code    string
	Detail  string
	Context map[string]string
}

func (e *DeliveryError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}
func (e *DeliveryError) ErrorCode() string { return e.Code }
func (e *DeliveryError) Context() map[string]string {
	if e.Context == nil {
		return map[string]string{}
	}
	return e.Context
}
func (e *DeliveryError) SuggestedAction() string {
	switch e.Code {
	case "UNSUPPORTED_RUNTIME":
		return "use a tmux:<target> runtime string"
	case "TARGET_NOT_FOUND":
		return "verify the tmux session/window/pane still exists"
	case "PANE_DEAD":
		return "the pane's process exited; fall back to resume or spawn"
	case "SEND_KEYS_ERROR":
		return "retry delivery or fall back"
	case "TRIGGER_PAYLOAD_EMPTY":
		return "supply a non-empty prompt"
	case "TRIGGER_PAYLOAD_TOO_LARGE":
		return "shorten the prompt below the byte limit"
	default:
		return "inspect Details for more context"
	}
}
