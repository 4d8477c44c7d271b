// Package script exposes the script engine as a module.
//
//	run,<script>    runs the script, replies "script executed"
//	eval,<expr>     replies with the value of expr
//	<script>        any other command is run as a script
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"velvet/internal/modules"
	engine "velvet/internal/script"
)

const executed = "script executed"

var errNoEval = errors.New("engine does not support eval")

// Module владеет движком скриптов и закрывает его вместе с реестром.
type Module struct {
	engine engine.Engine
}

// New returns a module driving e.
func New(e engine.Engine) *Module {
	return &Module{engine: e}
}

func (m *Module) Execute(ctx context.Context, command string) (string, error) {
	method, payload, _ := modules.Method(command)
	switch method {
	case "run":
		return m.run(ctx, payload)
	case "eval":
		ev, ok := m.engine.(engine.Evaluator)
		if !ok {
			return "", errNoEval
		}
		if strings.TrimSpace(payload) == "" {
			return "", fmt.Errorf("%w: empty expression", modules.ErrMalformed)
		}
		return ev.Eval(ctx, payload)
	default:
		return m.run(ctx, command)
	}
}

func (m *Module) run(ctx context.Context, src string) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("%w: empty script", modules.ErrMalformed)
	}
	if err := m.engine.Run(ctx, src); err != nil {
		return "", err
	}
	return executed, nil
}

// Close закрывает движок, если он это поддерживает.
func (m *Module) Close() error {
	if c, ok := m.engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
