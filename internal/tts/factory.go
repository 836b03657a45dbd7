package tts

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/mattn/go-shellwords"
)

// Available lists the concrete backend names accepted by New.
var Available = []string{"pytorch", "mlx", "mock"}

// New builds the named backend from configuration. "auto" must be resolved
// by the caller first.
func New(name string, cfg config.TTSConfig) (Backend, error) {
	initTimeout := time.Duration(cfg.InitTimeoutMS) * time.Millisecond
	switch name {
	case "pytorch":
		return NewExec(ExecOptions{Name: name, Command: cfg.PyTorchCommand, InitTimeout: initTimeout})
	case "mlx":
		return NewExec(ExecOptions{Name: name, Command: cfg.MLXCommand, InitTimeout: initTimeout})
	case "mock":
		return NewMock(cfg.MockSampleRate), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s (available: %s)", name, strings.Join(Available, ", "))
	}
}

// Probe runs a short-lived command and reports whether it exited cleanly
// within timeout. It is used to check that a backend runtime works on the
// host before committing to it.
func Probe(ctx context.Context, command string, timeout time.Duration) error {
	args, err := shellwords.Parse(command)
	if err != nil {
		return fmt.Errorf("parse probe command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("probe command empty")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if ctx.Err() != nil {
		return fmt.Errorf("probe timed out after %s", timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, msg)
	}
	return nil
}
