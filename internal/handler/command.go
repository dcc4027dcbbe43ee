package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	logx "taskd/pkg/logx"
)

// Executables that are never allowed in custom handlers, matched against
// the case-insensitive base name of the first argument.
var deniedCommands = map[string]struct{}{
	"rm": {}, "rmdir": {}, "del": {}, "format": {}, "mkfs": {}, "dd": {}, "shred": {},
	"shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {},
	"chmod": {}, "chown": {}, "chgrp": {},
	"kill": {}, "killall": {}, "pkill": {},
	"sudo": {}, "su": {}, "doas": {},
}

// Shell metacharacters that would enable injection if the command were ever
// passed through a shell. The command is executed as an argument vector, so
// these have no legitimate use.
const deniedChars = ";|&`$(){}!"

// Hard cap on custom subprocess execution.
const customCommandTimeout = 30 * time.Second

// Output captured into the result is truncated to keep last_result small.
const (
	maxStdout = 1000
	maxStderr = 500
)

// ValidateCommand checks a raw custom-handler command line and returns the
// trimmed command on success.
func ValidateCommand(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", errors.New("custom handler command cannot be empty")
	}

	parts := strings.Fields(trimmed)
	base := strings.ToLower(filepath.Base(parts[0]))
	if _, denied := deniedCommands[base]; denied {
		return "", fmt.Errorf("command %q is not allowed in custom handlers", base)
	}

	if strings.ContainsAny(trimmed, deniedChars) {
		return "", errors.New("shell metacharacters are not allowed in custom handler commands")
	}

	return trimmed, nil
}

type customConfig struct {
	Command string `json:"command"`
}

type customResult struct {
	Status   string `json:"status"`
	Handler  string `json:"handler"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

// runCustomCommand executes a validated command as an argument vector (no
// shell interpretation) and returns a JSON result string. Failures are
// reported inside the result rather than as handler errors, matching the
// contract that a bad command should not look like an engine fault.
func runCustomCommand(ctx context.Context, config string, log logx.Logger) (string, error) {
	var cfg customConfig
	if strings.TrimSpace(config) != "" {
		_ = json.Unmarshal([]byte(config), &cfg)
	}

	command, err := ValidateCommand(cfg.Command)
	if err != nil {
		return marshalResult(customResult{Status: "error", Handler: "custom", Error: err.Error()}), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, customCommandTimeout)
	defer cancel()

	parts := strings.Fields(command)
	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	// Hard kill if the process ignores SIGKILL propagation delays.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		log.Error("custom handler timed out", logx.String("command", command))
		return marshalResult(customResult{Status: "error", Handler: "custom", Error: "timeout"}), nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Spawn failure (e.g. executable not found).
			log.Error("custom handler failed to start", logx.String("command", command), logx.Err(runErr))
			return marshalResult(customResult{Status: "error", Handler: "custom", Error: runErr.Error()}), nil
		}
	}

	status := "ok"
	if exitCode != 0 {
		status = "error"
	}
	return marshalResult(customResult{
		Status:   status,
		Handler:  "custom",
		ExitCode: &exitCode,
		Stdout:   truncate(stdout.String(), maxStdout),
		Stderr:   truncate(stderr.String(), maxStderr),
	}), nil
}

func marshalResult(r customResult) string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"status":"error","handler":"custom","error":"result marshal failed"}`
	}
	return string(b)
}

func truncate(s string, maxN int) string {
	if len(s) <= maxN {
		return s
	}
	return s[:maxN]
}
