package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"velvet/internal/core"
	"velvet/internal/storage"
)

var (
	// ErrBadCommand: строку не удалось разобрать в (module, command).
	ErrBadCommand = errors.New("bad command")
	// ErrAccessDenied: subject не прошел allowlist.
	ErrAccessDenied = errors.New("access denied")
	// ErrRateLimited: subject превысил лимит запросов.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Service объединяет общий пайплайн command->authz->ratelimit->registry->audit.
type Service struct {
	Source      string
	Registry    *core.Registry
	Authorizer  core.Authorizer
	RateLimiter *RateLimiter
	AuditSink   AuditSink
}

// ExecuteText разбирает строку транспорта и вызывает модуль.
func (s *Service) ExecuteText(ctx context.Context, subjectID, text string) (core.Outcome, error) {
	module, command, err := ParseTextCommand(text)
	if err != nil {
		return core.Outcome{}, err
	}
	return s.Invoke(ctx, subjectID, module, command)
}

// Invoke проверяет доступ и лимит, вызывает модуль и пишет аудит.
// Ошибка возвращается только при отказе до вызова; отказ модуля лежит в Outcome.Fault.
func (s *Service) Invoke(ctx context.Context, subjectID, module, command string) (core.Outcome, error) {
	requestID := NewRequestID()
	subject := core.Subject{Source: s.Source, ID: subjectID}
	action := core.Action{Module: module, Command: command}

	if s.Authorizer != nil {
		if err := s.Authorizer.Authorize(subject, action); err != nil {
			s.writeAudit(ctx, subject, action, "denied", requestID, "")
			return core.Outcome{Module: module, Command: command}, fmt.Errorf("%w: %w", ErrAccessDenied, err)
		}
	}
	if s.RateLimiter != nil {
		if !s.RateLimiter.Allow(fmt.Sprintf("%s:%s", s.Source, subjectID), time.Now()) {
			s.writeAudit(ctx, subject, action, "rate_limited", requestID, "")
			return core.Outcome{Module: module, Command: command}, ErrRateLimited
		}
	}

	out := s.Registry.InvokeSync(ctx, module, command)
	faultKind := ""
	if out.Fault != nil {
		faultKind = string(out.Fault.Kind)
	}
	s.writeAudit(ctx, subject, action, out.Status(), requestID, faultKind)
	return out, nil
}

// Code возвращает короткий код ошибки транспорта для вывода пользователю.
func Code(err error) string {
	var f *core.Fault
	switch {
	case err == nil:
		return ""
	case errors.As(err, &f):
		return string(f.Kind)
	case errors.Is(err, ErrBadCommand):
		return "bad_command"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

func (s *Service) writeAudit(ctx context.Context, subject core.Subject, action core.Action, status, requestID, faultKind string) {
	if s.AuditSink == nil {
		return
	}
	_ = s.AuditSink.Write(ctx, storage.AuditEvent{
		Subject:   subject.ID,
		Action:    action.Module,
		Source:    subject.Source,
		Status:    status,
		RequestID: requestID,
		Payload:   BuildAuditPayload(action.Module, action.Command, faultKind),
	})
}

// ParseTextCommand переводит строку в (module, command).
// Формат: [/]module command; все после первого пробела, включая хвостовые пробелы,
// передается модулю как есть.
func ParseTextCommand(text string) (string, string, error) {
	t := strings.TrimLeft(text, " \t")
	t = strings.TrimPrefix(t, "/")
	module, command, _ := strings.Cut(t, " ")
	module = strings.TrimRight(module, " \t\r\n")
	if module == "" {
		return "", "", fmt.Errorf("module is missing in %q: %w", text, ErrBadCommand)
	}
	return module, command, nil
}
