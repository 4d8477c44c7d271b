package core

import (
	"context"
	"fmt"
)

// Handler определяет контракт модуля: команда в виде строки, результат в виде строки.
// Формат команды принадлежит самому модулю, реестр его не разбирает.
type Handler interface {
	Execute(ctx context.Context, command string) (string, error)
}

// HandlerFunc позволяет использовать функцию как Handler.
type HandlerFunc func(ctx context.Context, command string) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, command string) (string, error) {
	return f(ctx, command)
}

// Initializer реализуют модули, которым нужна инициализация при регистрации.
type Initializer interface {
	Init(ctx context.Context) error
}

// FaultKind классифицирует отказ вызова.
type FaultKind string

const (
	FaultUnknownModule  FaultKind = "unknown_module"
	FaultHandlerFailure FaultKind = "handler_failure"
	// FaultUnavailable: реестр еще собирается или уже закрыт.
	FaultUnavailable FaultKind = "unavailable"
)

// Fault описывает классифицированный отказ вызова модуля.
type Fault struct {
	Kind    FaultKind `json:"kind"`
	Module  string    `json:"module"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (f *Fault) Error() string {
	if f.Module == "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s %s: %s", f.Kind, f.Module, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// Outcome описывает результат вызова: либо Result, либо Fault.
type Outcome struct {
	Module  string `json:"module"`
	Command string `json:"command"`
	Result  string `json:"result,omitempty"`
	Fault   *Fault `json:"fault,omitempty"`
}

// OK сообщает, завершился ли вызов успешно.
func (o Outcome) OK() bool { return o.Fault == nil }

// Err возвращает Fault как error либо nil.
func (o Outcome) Err() error {
	if o.Fault == nil {
		return nil
	}
	return o.Fault
}

// Status возвращает "ok" или "error" для транспортов и журнала.
func (o Outcome) Status() string {
	if o.Fault == nil {
		return "ok"
	}
	return "error"
}
