package testsupport

import (
	"context"
	"errors"
	"sync"

	"relaycast/internal/registry"
)

// SessionSourceStub is a settable registry.SessionSource. It can be switched
// into failing or panicking mode to exercise the unavailable path.
type SessionSourceStub struct {
	mu       sync.Mutex
	sessions []registry.Session
	err      error
	panicMsg string
	calls    int
}

// NewSessionSourceStub returns a stub seeded with sessions, in order.
func NewSessionSourceStub(sessions ...registry.Session) *SessionSourceStub {
	return &SessionSourceStub{sessions: append([]registry.Session(nil), sessions...)}
}

// Sessions implements registry.SessionSource.
func (s *SessionSourceStub) Sessions(ctx context.Context) ([]registry.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]registry.Session(nil), s.sessions...), nil
}

// Set replaces the session table.
func (s *SessionSourceStub) Set(sessions ...registry.Session) {
	s.mu.Lock()
	s.sessions = append([]registry.Session(nil), sessions...)
	s.mu.Unlock()
}

// Fail makes subsequent reads return err; nil restores normal reads.
func (s *SessionSourceStub) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// FailWith is a shorthand for Fail(errors.New(msg)).
func (s *SessionSourceStub) FailWith(msg string) {
	s.Fail(errors.New(msg))
}

// Panic makes subsequent reads panic with msg; an empty msg disables it.
func (s *SessionSourceStub) Panic(msg string) {
	s.mu.Lock()
	s.panicMsg = msg
	s.mu.Unlock()
}

// Calls reports how many reads were served.
func (s *SessionSourceStub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Publisher builds a publishing session for key.
func Publisher(id, key string) registry.Session {
	return registry.Session{ID: id, StreamPath: registry.StreamPath(key), Role: registry.RolePublish}
}
