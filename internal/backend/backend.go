// Package backend provides the native collaborators that modules forward
// opaque payloads to. A backend is owned by exactly one module handler.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by Call after Close.
	ErrClosed = errors.New("backend closed")

	errUnknownKind = errors.New("unknown backend kind")
)

// Backend is the native collaborator contract: one payload in, one reply out.
type Backend interface {
	Call(ctx context.Context, payload string) (string, error)
	Close() error
}

// Kind selects a Backend implementation.
type Kind string

const (
	KindExec Kind = "exec"
	KindHTTP Kind = "http"
)

// Spec describes a backend instance.
type Spec struct {
	Kind    Kind
	Program string
	Args    []string
	URL     string
	Timeout time.Duration
	// Retries is the number of extra HTTP attempts; zero disables retrying.
	Retries   int
	RetryWait time.Duration
}

// New builds the backend described by spec.
func New(spec Spec) (Backend, error) {
	switch spec.Kind {
	case KindExec:
		return NewExec(spec.Program, spec.Args, spec.Timeout)
	case KindHTTP:
		return NewHTTP(spec.URL, spec.Timeout, spec.Retries, spec.RetryWait)
	default:
		return nil, fmt.Errorf("%q: %w", spec.Kind, errUnknownKind)
	}
}
