package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// Exec runs a program once per call: the payload goes to stdin and stdout is the reply.
type Exec struct {
	program string
	args    []string
	timeout time.Duration
	closed  atomic.Bool
}

// NewExec resolves program on PATH and returns an exec backend.
func NewExec(program string, args []string, timeout time.Duration) (*Exec, error) {
	if program == "" {
		return nil, errors.New("exec backend: program is empty")
	}
	path, err := exec.LookPath(program)
	if err != nil {
		return nil, fmt.Errorf("exec backend: %w", err)
	}
	return &Exec{program: path, args: append([]string(nil), args...), timeout: timeout}, nil
}

func (e *Exec) Call(ctx context.Context, payload string) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.program, e.args...)
	cmd.Stdin = strings.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("run %s: %w", e.program, ctxErr)
		}
		return "", fmt.Errorf("run %s: %w: %s", e.program, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

func (e *Exec) Close() error {
	e.closed.Store(true)
	return nil
}
