package common

import (
	"sync"
	"time"
)

// RateLimiter ограничивает число событий на ключ в скользящем окне.
// Ключи без событий в окне удаляются при очередной проверке.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
	swept  time.Time
}

// NewRateLimiter создает limiter с лимитом событий в окне.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// Allow возвращает true и учитывает событие, если ключ укладывается в лимит.
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	if now.Sub(l.swept) >= l.window {
		l.sweep(cutoff)
		l.swept = now
	}

	recent := trim(l.events[key], cutoff)
	if len(recent) >= l.limit {
		l.events[key] = recent
		return false
	}
	l.events[key] = append(recent, now)
	return true
}

// Len возвращает число отслеживаемых ключей.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *RateLimiter) sweep(cutoff time.Time) {
	for key, items := range l.events {
		if kept := trim(items, cutoff); len(kept) == 0 {
			delete(l.events, key)
		} else {
			l.events[key] = kept
		}
	}
}

// trim отбрасывает события не позже cutoff; события хранятся по возрастанию.
func trim(items []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(items) && !items[i].After(cutoff) {
		i++
	}
	return items[i:]
}
