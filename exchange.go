package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	dashboardRoute = "/dashboard"
	// Authorization codes expire well within this window, so a finished
	// redemption can be forgotten once it passes.
	redemptionRetention = 10 * time.Minute
)

// TokenExchanger redeems an authorization code. It keeps no state.
type TokenExchanger interface {
	Exchange(ctx context.Context, code string) (TokenBundle, error)
}

// UserBootstrapper resolves or creates the backend-side profile for a token.
type UserBootstrapper interface {
	User(ctx context.Context, accessToken string) (UserProfile, error)
}

type OutcomeKind int

const (
	OutcomeMissingCode OutcomeKind = iota
	OutcomeFailed
	OutcomeCompleted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFailed:
		return "failed"
	case OutcomeCompleted:
		return "completed"
	default:
		return "missing_code"
	}
}

// ExchangeOutcome is the tagged result of one redirect back from the
// identity provider. Err is set only for OutcomeFailed.
type ExchangeOutcome struct {
	Kind      OutcomeKind
	Principal Principal
	Err       *AuthError
}

// metricLabel folds the failure kind into the outcome.
func (o ExchangeOutcome) metricLabel() string {
	if o.Kind == OutcomeFailed && o.Err != nil {
		return o.Err.Kind.String()
	}
	return o.Kind.String()
}

type redemption struct {
	done     chan struct{}
	outcome  ExchangeOutcome
	finished time.Time
}

// ExchangeFlow turns the ?code= the identity provider hands back into a
// session. Each code is redeemed at most once per flow.
type ExchangeFlow struct {
	exchanger TokenExchanger
	bootstrap UserBootstrapper
	store     SessionStore
	nav       Navigator
	log       *zap.Logger
	metrics   MetricsRecorder
	clock     TimeSource

	mu          sync.Mutex
	closed      bool
	redemptions map[string]*redemption
}

type ExchangeOption func(*ExchangeFlow)

func WithExchangeClock(c TimeSource) ExchangeOption {
	return func(f *ExchangeFlow) { f.clock = c }
}

func NewExchangeFlow(exchanger TokenExchanger, bootstrap UserBootstrapper, store SessionStore, nav Navigator, log *zap.Logger, metrics MetricsRecorder, opts ...ExchangeOption) *ExchangeFlow {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NoopMetricsRecorder{}
	}
	f := &ExchangeFlow{
		exchanger:   exchanger,
		bootstrap:   bootstrap,
		store:       store,
		nav:         nav,
		log:         log,
		metrics:     metrics,
		clock:       realClock,
		redemptions: make(map[string]*redemption),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Redeem handles one arrival at the redirect page. Repeated or concurrent
// arrivals with the same code share the first redemption's outcome.
func (f *ExchangeFlow) Redeem(ctx context.Context, query url.Values) ExchangeOutcome {
	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		f.metrics.RecordExchange(OutcomeMissingCode.String())
		return ExchangeOutcome{Kind: OutcomeMissingCode}
	}

	f.mu.Lock()
	f.pruneLocked()
	r, ok := f.redemptions[code]
	if !ok {
		r = &redemption{done: make(chan struct{})}
		f.redemptions[code] = r
	}
	f.mu.Unlock()

	if !ok {
		f.run(ctx, code, r)
		f.metrics.RecordExchange(r.outcome.metricLabel())
		return r.outcome
	}

	select {
	case <-r.done:
		return r.outcome
	case <-ctx.Done():
		return failed(TransportError("redeem authorization code", ctx.Err()))
	}
}

// run performs the redemption and always releases the callers waiting on it,
// turning a panic into a transport failure.
func (f *ExchangeFlow) run(ctx context.Context, code string, r *redemption) {
	defer func() {
		if rec := recover(); rec != nil {
			f.log.Error("code redemption panicked", zap.Any("panic", rec))
			r.outcome = failed(TransportError("redeem authorization code", fmt.Errorf("panic: %v", rec)))
		}
		f.mu.Lock()
		r.finished = f.clock.Now()
		f.mu.Unlock()
		close(r.done)
	}()
	r.outcome = f.redeem(context.WithoutCancel(ctx), code)
}

func (f *ExchangeFlow) pruneLocked() {
	now := f.clock.Now()
	for code, r := range f.redemptions {
		if !r.finished.IsZero() && now.Sub(r.finished) > redemptionRetention {
			delete(f.redemptions, code)
		}
	}
}

// Close stops the flow from committing results that arrive afterwards.
func (f *ExchangeFlow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *ExchangeFlow) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *ExchangeFlow) redeem(ctx context.Context, code string) ExchangeOutcome {
	bundle, err := f.exchanger.Exchange(ctx, code)
	if err != nil {
		f.log.Warn("code exchange failed", zap.Error(err))
		return failed(tagged(err))
	}

	profile, err := f.bootstrap.User(ctx, bundle.AccessToken)
	if err != nil {
		f.log.Warn("user bootstrap failed", zap.Error(err))
		return failed(tagged(err))
	}

	username := profile.Username
	if username == "" {
		if claims, err := ParseTokenClaims(bundle.IDToken); err == nil {
			username = claims.Name()
		}
	}

	if f.isClosed() {
		return failed(TransportError("sign-in abandoned", errors.New("redirect flow closed")))
	}

	f.store.BeginSession(ctx, username, bundle.AccessToken, bundle.IDToken, bundle.RefreshToken)
	if err := f.nav.Navigate(ctx, dashboardRoute); err != nil {
		f.log.Warn("navigate to dashboard", zap.Error(err))
	}
	return ExchangeOutcome{Kind: OutcomeCompleted, Principal: Principal{Username: username}}
}

func failed(err *AuthError) ExchangeOutcome {
	return ExchangeOutcome{Kind: OutcomeFailed, Err: err}
}

// tagged makes sure an error carries a kind before it reaches the boundary;
// untagged failures are treated as transport problems.
func tagged(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return TransportError("redeem authorization code", err)
}
