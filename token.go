package sharedloop

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

// Token represents a claim that the loop must keep running, see
// Manager.Acquire. It becomes inert after it has been released.
type Token struct {
	// Prevent copying
	_ [0]func()

	manager  *Manager
	id       uuid.UUID
	released atomic.Bool
}

func newToken(m *Manager) *Token {
	return &Token{
		manager: m,
		id:      uuid.New(),
	}
}

// ID uniquely identifies the token, e.g. for logging.
func (t *Token) ID() uuid.UUID {
	return t.id
}

// Released reports whether the token has been released.
func (t *Token) Released() bool {
	return t.released.Load()
}

// Manager returns the Manager that issued the token.
func (t *Token) Manager() *Manager {
	return t.manager
}

// Release is equivalent to calling Manager.Release with the token.
func (t *Token) Release() error {
	if t == nil || t.manager == nil {
		return ErrForeignToken
	}
	return t.manager.Release(t)
}

// Do calls fn, then releases the token, even if fn panics. Errors from fn and
// the release are joined, see errors.Join.
func (t *Token) Do(fn func() error) (err error) {
	defer func() {
		if releaseErr := t.Release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()
	return fn()
}
