package pty

import (
	"fmt"
	"strings"
)

// DefaultMaxPayloadBytes is the UTF-8 byte ceiling for a sanitized prompt,
// checked before framing (the framing overhead is not counted), scaled well
// below a typical CLI argv limit since a
// tmux pane's one-shot paste is a much tighter channel.
const DefaultMaxPayloadBytes = 8192

// PrepareTriggerPayload sanitizes prompt and frames it for literal delivery
// to a terminal pane. Sanitization never 500s on "weird" input: it strips
// what it safely can and only rejects empty or oversized results.
func PrepareTriggerPayload(triggerID, threadID, reason, prompt string, maxPayloadBytes int) (string, error) {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}

	sanitized := sanitize(prompt)
	if strings.TrimSpace(sanitized) == "" {
		return "", &DeliveryError{Code: "TRIGGER_PAYLOAD_EMPTY", Detail: "prompt is empty after sanitization"}
	}

	if len(sanitized) > maxPayloadBytes {
		return "", &DeliveryError{
			Code:   "TRIGGER_PAYLOAD_TOO_LARGE",
			Detail: fmt.Sprintf("prompt is %d bytes, limit is %d", len(sanitized), maxPayloadBytes),
			Context: map[string]string{
				"size":  fmt.Sprintf("%d", len(sanitized)),
				"limit": fmt.Sprintf("%d", maxPayloadBytes),
			},
		}
	}

	header := fmt.Sprintf("[BRIDGE_TRIGGER id=%s thread=%s reason=%s]", triggerID, threadID, reason)
	footer := "[/BRIDGE_TRIGGER]"
	envelope := strings.Join([]string{header, sanitized, footer}, "\n")

	return envelope, nil
}

// sanitize normalizes line endings, drops disruptive C0 controls, and trims
// trailing whitespace/blank lines so the payload can be typed literally into
// a terminal without corrupting the pane.
func sanitize(prompt string) string {
	normalized := strings.ReplaceAll(prompt, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r == 0x7F || (r < 0x20) {
			continue
		}
		b.WriteRune(r)
	}

	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return strings.Join(lines, "\n")
}
