package primitive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/everydev1618/threads/action"
)

// DefaultTimeout bounds a primitive that does not set its own timeout.
const DefaultTimeout = 60 * time.Second

// maxOutput caps captured stdout/stderr.
const maxOutput = 64 * 1024

// Subprocess runs a local command. The terminal item's metadata names it:
//
//	command: ["python3", "run.py", "${params.path}"]
//	dir: /opt/tools
//	env: ["MODE=fast"]
//	timeout: 30s
//
// Params are written to stdin as a JSON object. When stdout parses as a JSON
// object it becomes the result data; otherwise the data carries stdout,
// stderr and exit_code.
type Subprocess struct {
	// Env is appended to every command's environment.
	Env []string
}

// Run implements Primitive.
func (s Subprocess) Run(ctx context.Context, req Request) (*action.Result, error) {
	argv := metaList(req.Item, "command", req.Params)
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("primitive %s: no command configured", itemID(req))
	}

	ctx, cancel := context.WithTimeout(ctx, metaDuration(req.Item, "timeout", DefaultTimeout))
	defer cancel()

	stdin, err := json.Marshal(paramsOrEmpty(req.Params))
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = meta(req.Item, "dir", req.Params)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, metaList(req.Item, "env", req.Params)...)
	if req.ThreadID != "" {
		cmd.Env = append(cmd.Env, "THREADS_THREAD_ID="+req.ThreadID)
	}
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("start %s: %w", argv[0], runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return action.Failure("command timed out: %s", strings.Join(argv, " ")), nil
	}

	return outputResult(stdout.Bytes(), stderr.Bytes(), exitCode), nil
}

// outputResult shapes captured process output into a result.
func outputResult(stdout, stderr []byte, exitCode int) *action.Result {
	var data map[string]any
	if exitCode == 0 && json.Unmarshal(bytes.TrimSpace(stdout), &data) == nil && data != nil {
		return action.Success(data)
	}
	data = map[string]any{
		"stdout":    truncate(string(stdout)),
		"stderr":    truncate(string(stderr)),
		"exit_code": exitCode,
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", exitCode)
		}
		return &action.Result{Status: action.StatusError, Data: data, Error: truncate(msg)}
	}
	data["content"] = data["stdout"]
	return action.Success(data)
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n... (truncated)"
}

func paramsOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

func itemID(req Request) string {
	if req.Item != nil {
		return req.Item.ID
	}
	return req.ItemID
}
