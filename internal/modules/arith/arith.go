// Package arith implements binary arithmetic modules with the grammar "a,b".
// Results are printed in the shortest decimal form, so 10,2 on divide yields "5".
package arith

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"velvet/internal/modules"
)

// Op selects the arithmetic operation.
type Op string

const (
	Add    Op = "add"
	Sub    Op = "sub"
	Mul    Op = "mul"
	Divide Op = "divide"
)

var (
	errDivisionByZero = errors.New("division by zero")
	errNotFinite      = errors.New("result is not finite")
	errUnknownOp      = errors.New("unknown operation")
)

// Module applies one Op.
type Module struct {
	op Op
}

// New returns a module for op.
func New(op Op) *Module {
	return &Module{op: op}
}

func (m *Module) Execute(ctx context.Context, command string) (string, error) {
	parts, err := modules.Split(command, 2)
	if err != nil {
		return "", err
	}
	a, err := operand(parts[0])
	if err != nil {
		return "", err
	}
	b, err := operand(parts[1])
	if err != nil {
		return "", err
	}

	var r float64
	switch m.op {
	case Add:
		r = a + b
	case Sub:
		r = a - b
	case Mul:
		r = a * b
	case Divide:
		if b == 0 {
			return "", errDivisionByZero
		}
		r = a / b
	default:
		return "", fmt.Errorf("%q: %w", m.op, errUnknownOp)
	}
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return "", errNotFinite
	}
	return strconv.FormatFloat(r, 'f', -1, 64), nil
}

func operand(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: operand %q is not a number", modules.ErrMalformed, s)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: operand %q is not finite", modules.ErrMalformed, s)
	}
	return v, nil
}
