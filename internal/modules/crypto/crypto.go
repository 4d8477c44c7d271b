// Package crypto is the hashing module.
//
//	sha256,<data>          hex digest
//	blake2b,<data>         hex BLAKE2b-256 digest
//	bcrypt,<data>          bcrypt hash
//	verify,<hash>,<data>   "true" or "false"
package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/bcrypt"

	"velvet/internal/modules"
)

// Module вычисляет хэши.
type Module struct {
	cost int
}

// New returns a module hashing with bcrypt cost (bcrypt.DefaultCost when out of range).
func New(cost int) *Module {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Module{cost: cost}
}

func (m *Module) Execute(ctx context.Context, command string) (string, error) {
	method, payload, ok := modules.Method(command)
	if !ok {
		return "", fmt.Errorf("%w: want method,data", modules.ErrMalformed)
	}
	switch method {
	case "sha256":
		sum := sha256.Sum256([]byte(payload))
		return hex.EncodeToString(sum[:]), nil
	case "blake2b":
		sum := blake2b.Sum256([]byte(payload))
		return hex.EncodeToString(sum[:]), nil
	case "bcrypt":
		hash, err := bcrypt.GenerateFromPassword([]byte(payload), m.cost)
		if err != nil {
			return "", fmt.Errorf("bcrypt: %w", err)
		}
		return string(hash), nil
	case "verify":
		parts, err := modules.Split(payload, 2)
		if err != nil {
			return "", err
		}
		err = bcrypt.CompareHashAndPassword([]byte(parts[0]), []byte(parts[1]))
		switch {
		case err == nil:
			return "true", nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return "false", nil
		default:
			return "", fmt.Errorf("verify: %w", err)
		}
	default:
		return "", modules.Unsupported(method)
	}
}
