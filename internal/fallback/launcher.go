package fallback

import (
	"fmt"
	"os"
	"os/exec"
)

// Launcher starts a detached external agent process, following the
// teacher's commands.spawnAgent shape (cmd.Start) with stdin, stdout, and
// stderr left unset, so they are connected to the null device, and
// fire-and-forget: the worker's fallback-run reconciliation owns the
// process's lifetime from here on (kill-on-timeout, orphan sweep), so this
// call never blocks on cmd.Wait.
type Launcher struct {
	command string
}

// NewLauncher returns a Launcher for the given binary, resolving it via
// exec.LookPath so a missing binary fails at construction, not mid-tick.
func NewLauncher(command string) (*Launcher, error) {
	if command == "" {
		command = "codex"
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("agent launcher binary %q not found in PATH: %w", command, err)
	}
	return &Launcher{command: command}, nil
}

// LaunchResult is what the external launcher collaborator returns.
type LaunchResult struct {
	Started      bool
	Pid          int
	ErrorMessage string
}

// Start execs the launcher with args and returns once the process has been
// started (or failed to start) — it does not wait for the process to exit.
func (l *Launcher) Start(args []string) LaunchResult {
	cmd := exec.Command(l.command, args...) //nolint:gosec // G204: command is operator-configured agent launcher binary, args are structurally fixed
	cmd.Env = os.Environ()
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return LaunchResult{Started: false, ErrorMessage: err.Error()}
	}

	// Detach: release the child so it isn't reaped by this process's Wait
	// loop; the worker tracks it by pid via TriggerFallbackRun instead.
	pid := cmd.Process.Pid
	go func() { _ = cmd.Process.Release() }()

	return LaunchResult{Started: true, Pid: pid}
}

// ResumeArgs builds the argv for an attached-resume invocation.
func ResumeArgs(sessionID, prompt string, allowDangerousBypass bool) []string {
	args := []string{}
	if allowDangerousBypass {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	return append(args, "exec", "resume", sessionID, prompt)
}

// SpawnArgs builds the argv for a detached-spawn invocation.
func SpawnArgs(prompt string, allowDangerousBypass bool) []string {
	args := []string{}
	if allowDangerousBypass {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	return append(args, "exec", prompt)
}
