package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

var errSessionReplaced = errors.New("session changed while refreshing")

// SessionStore is the single source of truth for the visitor's identity.
// Readers get snapshots; writes go through BeginSession, Refresh and SignOut.
type SessionStore interface {
	BeginSession(ctx context.Context, username, accessToken, idToken, refreshToken string)
	CurrentPrincipal() (Principal, bool)
	Session() (Session, bool)
	// Generation changes every time the current session is replaced or cleared.
	Generation() uint64
	// Recover falls back to the persisted last-known session when memory is empty.
	Recover(ctx context.Context) (Session, bool)
	Validate(tokens SessionTokens) bool
	Refresh(ctx context.Context, refreshToken string) (SessionTokens, error)
	Attributes(ctx context.Context, sess Session) (AttributeSet, error)
	SignOut(ctx context.Context) error
}

// AttributeFetcher loads the attributes of the user an access token belongs to.
type AttributeFetcher interface {
	User(ctx context.Context, accessToken string) (UserProfile, error)
}

// TokenSessionStore keeps the session in memory, mirrors it to a SessionRepo,
// and refreshes tokens shortly before they expire.
type TokenSessionStore struct {
	poolID   string
	provider IdentityProvider
	attrs    AttributeFetcher
	repo     SessionRepo
	clock    TimeSource
	leeway   time.Duration
	log      *zap.Logger
	metrics  MetricsRecorder

	mu           sync.RWMutex
	current      *Session
	generation   uint64
	refreshTimer clock.Timer

	persistMu sync.Mutex
	refreshes singleflight.Group
}

type StoreOption func(*TokenSessionStore)

func WithStoreClock(c TimeSource) StoreOption {
	return func(s *TokenSessionStore) { s.clock = c }
}

// WithRefreshLeeway sets how long before expiry the proactive refresh runs.
func WithRefreshLeeway(d time.Duration) StoreOption {
	return func(s *TokenSessionStore) { s.leeway = d }
}

func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *TokenSessionStore) { s.log = l }
}

func WithStoreMetrics(m MetricsRecorder) StoreOption {
	return func(s *TokenSessionStore) { s.metrics = m }
}

func NewTokenSessionStore(poolID string, provider IdentityProvider, attrs AttributeFetcher, repo SessionRepo, opts ...StoreOption) *TokenSessionStore {
	s := &TokenSessionStore{
		poolID:   poolID,
		provider: provider,
		attrs:    attrs,
		repo:     repo,
		clock:    realClock,
		leeway:   time.Minute,
		log:      zap.NewNop(),
		metrics:  NoopMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TokenSessionStore) BeginSession(ctx context.Context, username, accessToken, idToken, refreshToken string) {
	sess := Session{
		Principal: Principal{Username: username},
		Tokens: SessionTokens{
			AccessToken:  accessToken,
			IDToken:      idToken,
			RefreshToken: refreshToken,
			Expiry:       TokenExpiry(accessToken, idToken),
		},
	}

	s.mu.Lock()
	if s.current != nil && *s.current == sess {
		s.mu.Unlock()
		return
	}
	s.replaceLocked(&sess)
	s.mu.Unlock()

	s.log.Info("session started", zap.String("username", username), zap.Time("expiry", sess.Tokens.Expiry))
	s.persist(ctx)
}

func (s *TokenSessionStore) CurrentPrincipal() (Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Principal{}, false
	}
	return s.current.Principal, true
}

func (s *TokenSessionStore) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

func (s *TokenSessionStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *TokenSessionStore) Recover(ctx context.Context) (Session, bool) {
	s.mu.RLock()
	if s.current != nil {
		sess := *s.current
		s.mu.RUnlock()
		return sess, true
	}
	gen := s.generation
	s.mu.RUnlock()

	stored, err := s.repo.Load(ctx, s.poolID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("load persisted session", zap.Error(err))
		}
		return Session{}, false
	}
	sess := stored.Session()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return *s.current, true
	}
	if s.generation != gen {
		// signed out while we were reading
		return Session{}, false
	}
	s.replaceLocked(&sess)
	s.log.Debug("recovered persisted session", zap.String("username", sess.Principal.Username))
	return sess, true
}

func (s *TokenSessionStore) Validate(tokens SessionTokens) bool {
	return ValidTokens(tokens, s.clock.Now())
}

// Refresh runs one refresh grant per refresh token no matter how many callers
// ask at once. A result is committed only if the session it was derived from
// is still current, so a refresh never resurrects a signed-out session.
func (s *TokenSessionStore) Refresh(ctx context.Context, refreshToken string) (SessionTokens, error) {
	s.mu.RLock()
	gen := s.generation
	s.mu.RUnlock()

	ch := s.refreshes.DoChan(refreshToken, func() (any, error) {
		return s.provider.RefreshTokens(context.WithoutCancel(ctx), refreshToken)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return SessionTokens{}, RefreshError(ctx.Err())
	}
	if res.Err != nil {
		s.metrics.RecordRefresh(false)
		s.log.Info("token refresh failed", zap.Error(res.Err))
		return SessionTokens{}, RefreshError(res.Err)
	}
	tokens := res.Val.(SessionTokens)

	s.mu.Lock()
	switch {
	case s.current != nil && s.current.Tokens == tokens:
		// a caller sharing this flight already committed it
		s.mu.Unlock()
		return tokens, nil
	case s.current == nil || s.generation != gen:
		s.mu.Unlock()
		s.log.Info("discarding refresh for replaced session")
		return SessionTokens{}, RefreshError(errSessionReplaced)
	}
	sess := Session{Principal: s.current.Principal, Tokens: tokens}
	s.replaceLocked(&sess)
	s.mu.Unlock()

	s.metrics.RecordRefresh(true)
	s.log.Debug("tokens refreshed", zap.Time("expiry", tokens.Expiry))
	s.persist(ctx)
	return tokens, nil
}

func (s *TokenSessionStore) Attributes(ctx context.Context, sess Session) (AttributeSet, error) {
	profile, err := s.attrs.User(ctx, sess.Tokens.AccessToken)
	if err != nil {
		return NotLoadedAttributes(), AttributeFetchError(err)
	}
	return LoadedAttributes(profile.Attributes), nil
}

// SignOut clears local state first; the remote revoke is best effort.
func (s *TokenSessionStore) SignOut(ctx context.Context) error {
	sess, ok := s.Recover(ctx)
	if !ok {
		s.log.Warn("sign out request, but there is no user")
		return NoActiveSessionError()
	}

	s.mu.Lock()
	s.replaceLocked(nil)
	s.mu.Unlock()
	s.persist(ctx)
	s.log.Info("signed out", zap.String("username", sess.Principal.Username))

	if sess.Tokens.RefreshToken != "" && s.provider != nil {
		if err := s.provider.Revoke(context.WithoutCancel(ctx), sess.Tokens.RefreshToken); err != nil {
			s.log.Warn("remote sign out not confirmed", zap.Error(err))
		}
	}
	return nil
}

// replaceLocked installs sess (nil clears) and reschedules the proactive
// refresh. The generation bump orphans any timer already in flight.
func (s *TokenSessionStore) replaceLocked(sess *Session) {
	s.generation++
	stopTimer(s.refreshTimer)
	s.refreshTimer = nil
	s.current = sess
	if sess == nil || sess.Tokens.Expiry.IsZero() || sess.Tokens.RefreshToken == "" {
		return
	}
	delay := sess.Tokens.Expiry.Sub(s.clock.Now()) - s.leeway
	if delay <= 0 {
		return
	}
	gen := s.generation
	s.refreshTimer = s.clock.AfterFunc(delay, func() { s.scheduledRefresh(gen) })
}

func (s *TokenSessionStore) scheduledRefresh(gen uint64) {
	s.mu.RLock()
	if s.generation != gen || s.current == nil {
		s.mu.RUnlock()
		return
	}
	refreshToken := s.current.Tokens.RefreshToken
	s.mu.RUnlock()

	if _, err := s.Refresh(context.Background(), refreshToken); err != nil {
		s.log.Info("proactive refresh failed", zap.Error(err))
	}
}

// persist mirrors whatever is current to the repo. Serialising the writes
// means the repo always ends on the latest state.
func (s *TokenSessionStore) persist(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	cur, ok := s.Session()
	var err error
	if ok {
		err = s.repo.Save(ctx, StoredSession{
			PoolID:   s.poolID,
			Username: cur.Principal.Username,
			Tokens:   cur.Tokens,
			SavedAt:  s.clock.Now(),
		})
	} else {
		err = s.repo.Clear(ctx, s.poolID)
	}
	if err != nil {
		s.log.Warn("persist session", zap.Error(err))
	}
}
