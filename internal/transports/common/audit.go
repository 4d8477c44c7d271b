package common

import (
	"context"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"velvet/internal/storage"
)

// AuditSink записывает аудиторные события.
type AuditSink interface {
	Write(ctx context.Context, ev storage.AuditEvent) error
}

// NewRequestID возвращает идентификатор запроса для журнала и ответов.
func NewRequestID() string {
	return uuid.NewString()
}

// BuildAuditPayload собирает JSON-описание вызова; пустой faultKind опускается.
func BuildAuditPayload(module, command, faultKind string) []byte {
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "module", module)
	payload, _ = sjson.SetBytes(payload, "command", command)
	if faultKind != "" {
		payload, _ = sjson.SetBytes(payload, "fault", faultKind)
	}
	return payload
}

// AuditSinkFunc позволяет использовать функцию (например, Store.SaveAudit) как AuditSink.
type AuditSinkFunc func(ctx context.Context, ev storage.AuditEvent) error

func (f AuditSinkFunc) Write(ctx context.Context, ev storage.AuditEvent) error {
	return f(ctx, ev)
}
