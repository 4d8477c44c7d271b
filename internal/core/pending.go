package core

import (
	"context"
	"sync"
)

// Pending - результат асинхронного вызова, который разрешается ровно один раз.
type Pending struct {
	once sync.Once
	done chan struct{}
	out  Outcome
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// resolve сохраняет результат; повторные вызовы игнорируются.
func (p *Pending) resolve(out Outcome) bool {
	resolved := false
	p.once.Do(func() {
		p.out = out
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done закрывается, когда результат готов.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Outcome возвращает результат без ожидания; второй параметр false, пока вызов не завершен.
func (p *Pending) Outcome() (Outcome, bool) {
	select {
	case <-p.done:
		return p.out, true
	default:
		return Outcome{}, false
	}
}

// Wait ждет результат. ctx ограничивает только ожидание, сам вызов продолжается.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
