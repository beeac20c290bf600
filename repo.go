package main

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// StoredSession is the last-known session kept across restarts, keyed by
// user pool so two pools never see each other's handle.
type StoredSession struct {
	PoolID   string
	Username string
	Tokens   SessionTokens
	SavedAt  time.Time
}

func (s StoredSession) Session() Session {
	return Session{Principal: Principal{Username: s.Username}, Tokens: s.Tokens}
}

// SessionRepo persists the current user outside process memory.
type SessionRepo interface {
	// Load returns ErrNotFound when nothing is stored for poolID.
	Load(ctx context.Context, poolID string) (StoredSession, error)
	Save(ctx context.Context, s StoredSession) error
	Clear(ctx context.Context, poolID string) error
}
