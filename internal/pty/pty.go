// Package pty delivers trigger prompts to an interactive agent's terminal by
// shelling out to tmux: exec.LookPath preflight, bounded stderr capture,
// exec.CommandContext with an explicit deadline.
package pty

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const maxStderrBytes = 4096

// limitedWriter caps writes at maxBytes, discarding overflow, so a
// misbehaving tmux invocation can't exhaust memory on captured stderr.
type limitedWriter struct {
	buf      bytes.Buffer
	maxBytes int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := w.maxBytes - w.buf.Len()
	if remaining <= 0 {
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	w.buf.Write(p)
	return n, nil
}

// DeliverRequest is the payload handed to Deliver.
type DeliverRequest struct {
	Runtime   string
	TriggerID string
	ThreadID  string
	Reason    string
	Prompt    string
}

// DeliverResult reports the transport-level outcome of one delivery attempt.
// Delivered=true means the envelope was typed into the pane; it says nothing
// about whether the agent acted on it (that's C7's ack-timeout concern).
type DeliverResult struct {
	Delivered bool
	ErrorCode string
	Details   map[string]string
}

// Adapter shells out to tmux to deliver trigger payloads to terminal panes.
type Adapter struct {
	// tmuxPath overrides the resolved tmux binary, for tests.
	tmuxPath string
}

// New returns an Adapter, resolving the tmux binary via exec.LookPath so
// misconfiguration is caught at construction rather than on first delivery.
func New() (*Adapter, error) {
	path, err := exec.LookPath("tmux")
	if err != nil {
		return nil, fmt.Errorf("tmux not found in PATH: %w", err)
	}
	return &Adapter{tmuxPath: path}, nil
}

// ResolveTarget extracts a tmux pane target from a runtime string of the
// form "tmux:<target>", "tmux://<target>", or a bare "session:window.pane".
// Anything else is UNSUPPORTED_RUNTIME.
func ResolveTarget(runtime string) (string, error) {
	switch {
	case strings.HasPrefix(runtime, "tmux://"):
		return strings.TrimPrefix(runtime, "tmux://"), nil
	case strings.HasPrefix(runtime, "tmux:"):
		return strings.TrimPrefix(runtime, "tmux:"), nil
	case isBareTmuxTarget(runtime):
		return runtime, nil
	default:
		return "", &DeliveryError{
			Code:    "UNSUPPORTED_RUNTIME",
			Detail:  fmt.Sprintf("runtime %q is not a recognized tmux target", runtime),
			Context: map[string]string{"runtime": runtime},
		}
	}
}

// isBareTmuxTarget accepts "session:window.pane" with no scheme prefix.
func isBareTmuxTarget(s string) bool {
	if s == "" || !strings.Contains(s, ":") {
		return false
	}
	parts := strings.SplitN(s, ":", 2)
	return parts[0] != "" && parts[1] != ""
}

// Deliver probes pane health, then types the sanitized envelope into the
// target pane line by line, followed by Enter.
func (a *Adapter) Deliver(ctx context.Context, req DeliverRequest, maxPayloadBytes int) (DeliverResult, error) {
	target, err := ResolveTarget(req.Runtime)
	if err != nil {
		de := err.(*DeliveryError)
		return DeliverResult{Delivered: false, ErrorCode: de.Code, Details: de.Context()}, nil
	}

	envelope, err := PrepareTriggerPayload(req.TriggerID, req.ThreadID, req.Reason, req.Prompt, maxPayloadBytes)
	if err != nil {
		de := err.(*DeliveryError)
		return DeliverResult{Delivered: false, ErrorCode: de.Code, Details: de.Context()}, nil
	}

	dead, pid, cmdName, err := a.probePane(ctx, target)
	if err != nil {
		return DeliverResult{
			Delivered: false,
			ErrorCode: "TARGET_NOT_FOUND",
			Details:   map[string]string{"target": target, "error": err.Error()},
		}, nil
	}
	if dead {
		return DeliverResult{
			Delivered: false,
			ErrorCode: "PANE_DEAD",
			Details:   map[string]string{"target": target, "pane_pid": pid, "pane_command": cmdName},
		}, nil
	}

	for _, line := range strings.Split(envelope, "\n") {
		if err := a.sendKeysLiteral(ctx, target, line); err != nil {
			return DeliverResult{
				Delivered: false,
				ErrorCode: "SEND_KEYS_ERROR",
				Details:   map[string]string{"target": target, "error": err.Error()},
			}, nil
		}
	}
	if err := a.sendEnter(ctx, target); err != nil {
		return DeliverResult{
			Delivered: false,
			ErrorCode: "SEND_KEYS_ERROR",
			Details:   map[string]string{"target": target, "error": err.Error()},
		}, nil
	}

	return DeliverResult{Delivered: true}, nil
}

// probePane issues `tmux display-message` to learn liveness of the target
// pane without disturbing it.
func (a *Adapter) probePane(ctx context.Context, target string) (dead bool, pid, command string, err error) {
	out, err := a.run(ctx, "display-message", "-p", "-t", target, "#{pane_dead}|#{pane_pid}|#{pane_current_command}")
	if err != nil {
		return false, "", "", err
	}
	fields := strings.SplitN(strings.TrimSpace(out), "|", 3)
	if len(fields) != 3 {
		return false, "", "", fmt.Errorf("unexpected display-message output: %q", out)
	}
	deadFlag, convErr := strconv.Atoi(fields[0])
	if convErr != nil {
		return false, "", "", fmt.Errorf("unexpected pane_dead value: %q", fields[0])
	}
	return deadFlag != 0, fields[1], fields[2], nil
}

func (a *Adapter) sendKeysLiteral(ctx context.Context, target, line string) error {
	_, err := a.run(ctx, "send-keys", "-t", target, "-l", line)
	return err
}

func (a *Adapter) sendEnter(ctx context.Context, target string) error {
	_, err := a.run(ctx, "send-keys", "-t", target, "Enter")
	return err
}

func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.tmuxPath, args...) //nolint:gosec // G204: fixed binary, args are tmux subcommand syntax, never shell-interpreted
	var stdout bytes.Buffer
	stderrW := &limitedWriter{maxBytes: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderrW

	if err := cmd.Run(); err != nil {
		msg := stderrW.buf.String()
		if stderrW.buf.Len() >= stderrW.maxBytes {
			msg += " (truncated)"
		}
		return "", fmt.Errorf("tmux %s failed: %w (stderr: %s)", strings.Join(args, " "), err, msg)
	}
	return stdout.String(), nil
}
