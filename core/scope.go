package core

import (
	"context"
	"errors"
	"strings"
	"sync"
)

type remoteOriginKey struct{}

type orderedDeliveryKey struct{}

type sessionKey struct{}

// WithRemoteOrigin marks writes committed with ctx as replayed from node.
func WithRemoteOrigin(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, remoteOriginKey{}, strings.TrimSpace(node))
}

func RemoteOriginFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	node, _ := ctx.Value(remoteOriginKey{}).(string)
	return node
}

// WithOrderedDelivery requests affinity keys on events committed with ctx.
func WithOrderedDelivery(ctx context.Context) context.Context {
	return context.WithValue(ctx, orderedDeliveryKey{}, true)
}

func OrderedDeliveryFromContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	ordered, _ := ctx.Value(orderedDeliveryKey{}).(bool)
	return ordered
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return nil, false
	}
	session, ok := ctx.Value(sessionKey{}).(Session)
	return session, ok && session != nil
}

// WithSession runs fn with session carried by its context.
func WithSession(ctx context.Context, session Session, fn func(ctx context.Context) error) error {
	if session == nil {
		return NewBadInputError("core: session is required")
	}
	if fn == nil {
		return nil
	}
	return fn(context.WithValue(ctx, sessionKey{}, session))
}

// SessionScope holds the current session for code that cannot receive a
// context. Each worker owns its own scope.
type SessionScope struct {
	mu      sync.Mutex
	current Session
}

func (s *SessionScope) Current() Session {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// With makes session current while fn runs and restores the previous one on
// return, error or panic.
func (s *SessionScope) With(session Session, fn func() error) error {
	if s == nil {
		return NewConfigurationError("core: session scope is nil")
	}
	s.mu.Lock()
	previous := s.current
	s.current = session
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = previous
		s.mu.Unlock()
	}()
	if fn == nil {
		return nil
	}
	return fn()
}

// RunInTransaction commits when fn succeeds and rolls back otherwise,
// including when fn panics. A session already in a transaction joins it.
func RunInTransaction(ctx context.Context, session Session, fn func(ctx context.Context) error) (err error) {
	if session == nil {
		return NewBadInputError("core: session is required")
	}
	if session.InTransaction() {
		return WithSession(ctx, session, fn)
	}
	if err := session.Begin(ctx); err != nil {
		return err
	}
	defer func() {
		recovered := recover()
		if session.InTransaction() {
			if rollbackErr := session.Rollback(ctx); rollbackErr != nil && err != nil {
				err = errors.Join(err, rollbackErr)
			}
		}
		if recovered != nil {
			panic(recovered)
		}
	}()

	if err = WithSession(ctx, session, fn); err != nil {
		return err
	}
	return session.Commit(ctx)
}
