package main

import (
	"context"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolver answers "is there a usable identity right now".
type Resolver interface {
	Resolve(ctx context.Context) Resolution
}

// SessionResolver applies the refresh-before-use policy on top of a
// SessionStore. Concurrent Resolve calls share one in-flight resolution.
type SessionResolver struct {
	store   SessionStore
	group   singleflight.Group
	log     *zap.Logger
	metrics MetricsRecorder
}

func NewSessionResolver(store SessionStore, log *zap.Logger, metrics MetricsRecorder) *SessionResolver {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NoopMetricsRecorder{}
	}
	return &SessionResolver{store: store, log: log, metrics: metrics}
}

// Resolve never returns Pending. A caller whose ctx ends first gets Absent;
// the shared resolution keeps running for the others. Callers only join a
// flight started against the same store generation, so anyone arriving after
// a sign-in or sign-out starts fresh.
func (r *SessionResolver) Resolve(ctx context.Context) Resolution {
	key := strconv.FormatUint(r.store.Generation(), 10)
	ch := r.group.DoChan(key, func() (any, error) {
		res := r.resolve(context.WithoutCancel(ctx))
		r.metrics.RecordResolution(res.State)
		return res, nil
	})
	select {
	case res := <-ch:
		return res.Val.(Resolution)
	case <-ctx.Done():
		return Absent()
	}
}

func (r *SessionResolver) resolve(ctx context.Context) Resolution {
	sess, ok := r.store.Session()
	if !ok {
		sess, ok = r.store.Recover(ctx)
	}
	if !ok {
		r.log.Debug("no session to resolve")
		return Absent()
	}

	refreshed := false
	for {
		if r.store.Validate(sess.Tokens) {
			attrs, err := r.store.Attributes(ctx, sess)
			if err != nil {
				// attributes prove the session is alive; without them it is expired
				r.log.Info("treating session as expired", zap.String("username", sess.Principal.Username), zap.Error(err))
				return Absent()
			}
			if cur, ok := r.store.Session(); !ok || cur != sess {
				r.log.Info("session changed while resolving", zap.String("username", sess.Principal.Username))
				return Absent()
			}
			return Resolved(sess, attrs)
		}
		if refreshed {
			r.log.Warn("refreshed tokens are already invalid", zap.String("username", sess.Principal.Username))
			return Absent()
		}
		if sess.Tokens.RefreshToken == "" {
			r.log.Warn("session has no refresh token", zap.String("username", sess.Principal.Username))
			return Absent()
		}
		tokens, err := r.store.Refresh(ctx, sess.Tokens.RefreshToken)
		if err != nil {
			return Absent()
		}
		sess.Tokens = tokens
		refreshed = true
	}
}
