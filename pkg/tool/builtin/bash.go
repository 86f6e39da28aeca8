// Package toolbuiltin provides the function tools shipped with the core.
package toolbuiltin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cexll/agentcore/pkg/tool"
)

const (
	defaultBashTimeout = 30 * time.Second
	maxBashTimeout     = 2 * time.Minute
)

var (
	// ErrPathNotAllowed is returned when a workdir escapes the tool root.
	ErrPathNotAllowed = errors.New("toolbuiltin: path outside workspace")
	// ErrCommandRejected is returned for commands the tool refuses to run.
	ErrCommandRejected = errors.New("toolbuiltin: command rejected")
)

var bashSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"command": map[string]any{"type": "string", "description": "Command line run with bash -c."},
		"timeout": map[string]any{"type": "number", "description": "Timeout in seconds (default 30, max 120)."},
		"workdir": map[string]any{"type": "string", "description": "Working directory relative to the workspace."},
	},
	"required": []any{"command"},
}

// Commands refused regardless of arguments.
var deniedCommands = []string{"rm -rf /", "mkfs", "shutdown", "reboot", "dd if=", ":(){"}

// BashTool runs commands inside a workspace root.
type BashTool struct {
	root      string
	timeout   time.Duration
	metachars bool
}

// NewBashTool roots the tool at root, or the working directory when empty.
func NewBashTool(root string) *BashTool {
	return &BashTool{root: resolveRoot(root), timeout: defaultBashTimeout}
}

// AllowShellMetachars permits pipes, redirects and command chaining.
func (b *BashTool) AllowShellMetachars(allow bool) { b.metachars = allow }

func (b *BashTool) Name() string           { return "bash" }
func (b *BashTool) Description() string    { return "Run a shell command inside the workspace." }
func (b *BashTool) Schema() map[string]any { return bashSchema }

func (b *BashTool) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	command, _ := params["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("toolbuiltin: command is required")
	}
	if err := b.validate(command); err != nil {
		return nil, err
	}
	workdir, err := b.workdir(params)
	if err != nil {
		return nil, err
	}
	timeout := b.timeout
	if secs, ok := params["timeout"].(float64); ok && secs > 0 {
		timeout = min(time.Duration(secs*float64(time.Second)), maxBashTimeout)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	cmd.Env = os.Environ()
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &tool.Result{
		Output: combineOutput(stdout.String(), stderr.String()),
		Data: map[string]any{
			"workdir":     workdir,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}
	if runErr != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("toolbuiltin: command timeout after %s", timeout)
		}
		return res, fmt.Errorf("toolbuiltin: command failed: %w", runErr)
	}
	return res, nil
}

func (b *BashTool) validate(command string) error {
	lower := strings.ToLower(command)
	for _, denied := range deniedCommands {
		if strings.Contains(lower, denied) {
			return fmt.Errorf("%w: contains %q", ErrCommandRejected, denied)
		}
	}
	if !b.metachars && strings.ContainsAny(command, "|;&><`$") {
		return fmt.Errorf("%w: shell metacharacters are disabled", ErrCommandRejected)
	}
	return nil
}

func (b *BashTool) workdir(params map[string]any) (string, error) {
	dir := b.root
	if raw, _ := params["workdir"].(string); strings.TrimSpace(raw) != "" {
		dir = strings.TrimSpace(raw)
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(b.root, dir)
	}
	dir = filepath.Clean(dir)
	if !within(dir, b.root) {
		return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("toolbuiltin: workdir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("toolbuiltin: workdir %s is not a directory", dir)
	}
	return dir, nil
}

func within(path, root string) bool {
	if path == root || root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

func combineOutput(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\r\n")
	stderr = strings.TrimRight(stderr, "\r\n")
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}

func resolveRoot(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		if cwd, err := os.Getwd(); err == nil {
			dir = cwd
		} else {
			dir = "."
		}
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}
