package core

import (
	"errors"
	"fmt"
	"strings"
)

var errAccessDenied = errors.New("not in allowlist")

// Subject описывает источник команды и его идентификатор.
type Subject struct {
	Source string
	ID     string
}

// Action описывает целевой вызов модуля.
type Action struct {
	Module  string
	Command string
}

// Authorizer отвечает за решение доступа к вызову.
type Authorizer interface {
	Authorize(subject Subject, action Action) error
}

// Wildcard в allowlist разрешает любой идентификатор источника.
const Wildcard = "*"

// grant - набор модулей, доступных субъекту; nil означает все модули.
type grant map[string]struct{}

func (g grant) permits(module string) bool {
	if g == nil {
		return true
	}
	_, ok := g[module]
	return ok
}

// AllowlistAuthorizer реализует deny-by-default по source/id.
//
// Запись allowlist - "id" (все модули) или "id@module" (только module);
// id может быть Wildcard. Записи для одного id объединяются.
type AllowlistAuthorizer struct {
	allowed map[string]map[string]grant
}

// NewAllowlistAuthorizer создает authorizer из map[source][]entry.
func NewAllowlistAuthorizer(src map[string][]string) *AllowlistAuthorizer {
	allowed := make(map[string]map[string]grant, len(src))
	for source, entries := range src {
		bySubject := make(map[string]grant, len(entries))
		for _, entry := range entries {
			id, module, scoped := strings.Cut(strings.TrimSpace(entry), "@")
			if id == "" || (scoped && module == "") {
				continue
			}
			g, seen := bySubject[id]
			switch {
			case !scoped:
				bySubject[id] = nil
			case seen && g == nil:
				// уже разрешены все модули
			default:
				if g == nil {
					g = grant{}
				}
				g[module] = struct{}{}
				bySubject[id] = g
			}
		}
		allowed[source] = bySubject
	}
	return &AllowlistAuthorizer{allowed: allowed}
}

// Authorize возвращает ошибку, если subject не в allowlist или модуль не указан.
func (a *AllowlistAuthorizer) Authorize(subject Subject, action Action) error {
	if subject.Source == "" || subject.ID == "" {
		return fmt.Errorf("empty subject: %w", errInvalidArguments)
	}
	if action.Module == "" {
		return fmt.Errorf("empty module: %w", errInvalidArguments)
	}
	bySubject, ok := a.allowed[subject.Source]
	if !ok {
		return fmt.Errorf("source %s: %w", subject.Source, errAccessDenied)
	}
	for _, id := range []string{subject.ID, Wildcard} {
		if g, ok := bySubject[id]; ok && g.permits(action.Module) {
			return nil
		}
	}
	return fmt.Errorf("%s/%s -> %s: %w", subject.Source, subject.ID, action.Module, errAccessDenied)
}
