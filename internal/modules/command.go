// Package modules holds the concrete module handlers and the helpers they share
// for the comma-separated command grammar.
package modules

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed reports a command that does not match the module grammar.
var ErrMalformed = errors.New("malformed command")

// Split splits command into exactly n comma-separated fields.
// The last field keeps any further commas.
func Split(command string, n int) ([]string, error) {
	parts := strings.SplitN(command, ",", n)
	if len(parts) != n {
		return nil, fmt.Errorf("%w: want %d comma-separated fields, got %d", ErrMalformed, n, len(parts))
	}
	return parts, nil
}

// Method splits "method,payload". ok is false when there is no comma.
func Method(command string) (method, payload string, ok bool) {
	return strings.Cut(command, ",")
}

// Unsupported builds the error for an unknown method.
func Unsupported(method string) error {
	return fmt.Errorf("%w: method %q not supported", ErrMalformed, method)
}
