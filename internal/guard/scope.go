package guard

import (
	"context"
	"sync"
)

type scopeKey struct{}

// Scope records the permits held while one message is processed, so that nested
// acquisitions of the same key do not wait on themselves.
type Scope struct {
	mu   sync.Mutex
	held map[string]int
}

// WithScope returns a context carrying a Scope. An existing scope is reused.
func WithScope(ctx context.Context) (context.Context, *Scope) {
	if s := ScopeFrom(ctx); s != nil {
		return ctx, s
	}
	s := &Scope{held: make(map[string]int)}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// ScopeFrom returns the Scope of ctx, or nil.
func ScopeFrom(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Held reports whether the scope holds key.
func (s *Scope) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[key] > 0
}

// reenter bumps the count of a key that is already held.
func (s *Scope) reenter(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] == 0 {
		return false
	}
	s.held[key]++
	return true
}

func (s *Scope) enter(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[key]++
}

// leave drops one reference and reports whether it was the last one.
func (s *Scope) leave(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] <= 1 {
		delete(s.held, key)
		return true
	}
	s.held[key]--
	return false
}
