// Package native forwards commands to a native backend.
//
// The command is an opaque payload handed to the backend as is; the reply is the result.
package native

import (
	"context"
	"fmt"
	"strings"

	"velvet/internal/backend"
	"velvet/internal/modules"
)

// Module владеет одним backend-ом и закрывает его вместе с реестром.
type Module struct {
	name    string
	backend backend.Backend
}

// New returns a module named name calling b.
func New(name string, b backend.Backend) *Module {
	return &Module{name: name, backend: b}
}

func (m *Module) Execute(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("%w: empty payload", modules.ErrMalformed)
	}
	reply, err := m.backend.Call(ctx, command)
	if err != nil {
		return "", fmt.Errorf("%s backend: %w", m.name, err)
	}
	return reply, nil
}

func (m *Module) Close() error {
	return m.backend.Close()
}
