// Package lua implements the script engine on gopher-lua.
package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultTimeout bounds a single Run/Eval when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// ErrClosed is returned after Close.
var ErrClosed = errors.New("lua engine closed")

// Engine wraps one sandboxed LState.
//
// LState is not goroutine-safe; every call is serialized by mu.
type Engine struct {
	mu      sync.Mutex
	L       *lua.LState
	timeout time.Duration
	out     io.Writer
	guard   *libraryGuard
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithOutput redirects print output. Defaults to io.Discard.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) {
		if w != nil {
			e.out = w
		}
	}
}

// New creates a sandboxed engine.
func New(opts ...Option) *Engine {
	e := &Engine{timeout: DefaultTimeout, out: io.Discard}
	for _, opt := range opts {
		opt(e)
	}
	e.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(e.L)
	installSandbox(e.L, e.out)
	e.guard = snapshotLibraries(e.L)
	return e
}

// Run executes script.
func (e *Engine) Run(ctx context.Context, script string) error {
	return e.do(ctx, func() error {
		return e.L.DoString(script)
	})
}

// Eval evaluates expr and returns its value converted with tostring semantics.
func (e *Engine) Eval(ctx context.Context, expr string) (string, error) {
	var result string
	err := e.do(ctx, func() error {
		top := e.L.GetTop()
		if err := e.L.DoString("return " + expr); err != nil {
			return err
		}
		if e.L.GetTop() > top {
			result = e.L.Get(top + 1).String()
		} else {
			result = lua.LNil.String()
		}
		e.L.SetTop(top)
		return nil
	})
	return result, err
}

// Close releases the LState.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.L.Close()
	return nil
}

func (e *Engine) do(ctx context.Context, fn func() error) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	// library globals are reset per call; script globals persist
	e.guard.restore(e.L)
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	if err := fn(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("lua: %w", ctxErr)
		}
		return fmt.Errorf("lua: %w", err)
	}
	return nil
}
