// Package jsonx is the JSON module.
//
//	parse,<json>                validates and returns compact JSON
//	serialize,<text>            wraps text as {"value":"<text>"}
//	get,<path>,<json>           returns the value at a gjson path
//	set,<path>,<value>,<json>   sets path to value (raw JSON if valid, string otherwise)
//
// Paths may not contain commas.
package jsonx

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"velvet/internal/modules"
)

var (
	errInvalidJSON = errors.New("invalid json")
	errNoValue     = errors.New("path not found")
)

// Module реализует JSON-операции без внешнего коллаборатора.
type Module struct{}

func (Module) Execute(ctx context.Context, command string) (string, error) {
	method, payload, ok := modules.Method(command)
	if !ok {
		return "", fmt.Errorf("%w: want method,payload", modules.ErrMalformed)
	}
	switch method {
	case "parse":
		if !gjson.Valid(payload) {
			return "", errInvalidJSON
		}
		return string(pretty.Ugly([]byte(payload))), nil
	case "serialize":
		return sjson.Set("", "value", payload)
	case "get":
		parts, err := modules.Split(payload, 2)
		if err != nil {
			return "", err
		}
		return get(parts[0], parts[1])
	case "set":
		parts, err := modules.Split(payload, 3)
		if err != nil {
			return "", err
		}
		return set(parts[0], parts[1], parts[2])
	default:
		return "", modules.Unsupported(method)
	}
}

func get(path, doc string) (string, error) {
	if !gjson.Valid(doc) {
		return "", errInvalidJSON
	}
	res := gjson.Get(doc, path)
	if !res.Exists() {
		return "", fmt.Errorf("%s: %w", path, errNoValue)
	}
	if res.Type == gjson.String {
		return res.Str, nil
	}
	return res.Raw, nil
}

func set(path, value, doc string) (string, error) {
	if !gjson.Valid(doc) {
		return "", errInvalidJSON
	}
	if gjson.Valid(value) {
		return sjson.SetRaw(doc, path, value)
	}
	return sjson.Set(doc, path, value)
}
