// Package script defines the script engine collaborator used by the script module.
package script

import "context"

// Engine runs a script to completion.
type Engine interface {
	Run(ctx context.Context, script string) error
}

// Evaluator is implemented by engines that can return the value of an expression.
type Evaluator interface {
	Eval(ctx context.Context, expr string) (string, error)
}
