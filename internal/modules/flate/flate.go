// Package flate is the compression module.
//
//	compress,<text>       raw DEFLATE, base64 (std encoding)
//	decompress,<base64>   inverse of compress
package flate

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"velvet/internal/modules"
)

// DefaultMaxOutput caps decompressed output.
const DefaultMaxOutput = 16 << 20

var errTooLarge = errors.New("decompressed output exceeds limit")

// Module сжимает и распаковывает данные.
type Module struct {
	level     int
	maxOutput int64
}

// New returns a module compressing at level (flate.DefaultCompression when out of range).
func New(level int) *Module {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	return &Module{level: level, maxOutput: DefaultMaxOutput}
}

func (m *Module) Execute(ctx context.Context, command string) (string, error) {
	method, payload, ok := modules.Method(command)
	if !ok {
		return "", fmt.Errorf("%w: want method,data", modules.ErrMalformed)
	}
	switch method {
	case "compress":
		return m.compress(payload)
	case "decompress":
		return m.decompress(payload)
	default:
		return "", modules.Unsupported(method)
	}
}

func (m *Module) compress(data string) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, m.level)
	if err != nil {
		return "", fmt.Errorf("new writer: %w", err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (m *Module) decompress(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: payload is not base64: %v", modules.ErrMalformed, err)
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, m.maxOutput+1))
	if err != nil {
		return "", fmt.Errorf("decompress: %w", err)
	}
	if int64(len(out)) > m.maxOutput {
		return "", errTooLarge
	}
	return string(out), nil
}
