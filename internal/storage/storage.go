package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound возвращается, если записи нет.
var ErrNotFound = errors.New("record not found")

// ResultRecord сохраняет результат вызова модуля.
type ResultRecord struct {
	Module    string
	Command   string
	Status    string
	Result    string
	FaultKind string
	TS        time.Time
}

// AuditEvent фиксирует действия пользователей/транспорта.
type AuditEvent struct {
	Subject   string
	Action    string
	Source    string
	Status    string
	RequestID string
	Payload   []byte
	TS        time.Time
}

// AuditQuery задает фильтры выборки аудита.
type AuditQuery struct {
	From    time.Time
	To      time.Time
	Subject string
	Limit   int
}

// Store описывает операции журнала.
type Store interface {
	SaveResult(ctx context.Context, rec ResultRecord) error
	LatestResult(ctx context.Context, module string) (ResultRecord, error)
	SaveAudit(ctx context.Context, ev AuditEvent) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
	// PurgeBefore удаляет записи старше ts и возвращает число удаленных строк.
	PurgeBefore(ctx context.Context, ts time.Time) (int64, error)
	Close() error
}
