package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const countdownStep = time.Second

type GateState int

const (
	GateLoading GateState = iota
	GateAuthorized
	GateUnauthorized
)

func (s GateState) String() string {
	switch s {
	case GateAuthorized:
		return "authorized"
	case GateUnauthorized:
		return "unauthorized"
	default:
		return "loading"
	}
}

// GateView is an immutable snapshot handed to observers. Seq grows with every
// change so observers can drop views that arrive out of order.
type GateView struct {
	Seq       uint64
	State     GateState
	User      *UserContext
	Redirect  *RedirectWillFire
	Remaining time.Duration
	// SignedOut marks Unauthorized reached by an explicit sign-out, which
	// never schedules the timed redirect.
	SignedOut  bool
	Redirected bool
}

type GateConfig struct {
	LoginURL  string
	LogoutURL string
	Countdown time.Duration
}

// Gate guards protected content for one mount. Create a new Gate per mount.
type Gate struct {
	resolver Resolver
	store    SessionStore
	nav      Navigator
	cfg      GateConfig
	clock    TimeSource
	log      *zap.Logger
	metrics  MetricsRecorder
	observe  func(GateView)

	mu            sync.Mutex
	seq           uint64
	mounted       bool
	unmounted     bool
	cancel        context.CancelFunc
	state         GateState
	user          *UserContext
	signedOut     bool
	signingOut    bool
	redirect      *RedirectWillFire
	redirectTimer clock.Timer
	tickTimer     clock.Timer
	remaining     time.Duration
	redirected    bool
}

type GateOption func(*Gate)

func WithGateClock(c TimeSource) GateOption {
	return func(g *Gate) { g.clock = c }
}

func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *Gate) { g.log = l }
}

func WithGateMetrics(m MetricsRecorder) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateObserver registers fn to receive every view change. fn is called
// without the gate's lock held and may be called from timer goroutines.
func WithGateObserver(fn func(GateView)) GateOption {
	return func(g *Gate) { g.observe = fn }
}

func NewGate(resolver Resolver, store SessionStore, nav Navigator, cfg GateConfig, opts ...GateOption) *Gate {
	if cfg.Countdown <= 0 {
		cfg.Countdown = 7 * time.Second
	}
	g := &Gate{
		resolver: resolver,
		store:    store,
		nav:      nav,
		cfg:      cfg,
		clock:    realClock,
		log:      zap.NewNop(),
		metrics:  NoopMetricsRecorder{},
		state:    GateLoading,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mount starts the single resolution for this mount. Later calls are no-ops.
func (g *Gate) Mount(ctx context.Context) {
	g.mu.Lock()
	if g.mounted || g.unmounted {
		g.mu.Unlock()
		return
	}
	g.mounted = true
	ctx, g.cancel = context.WithCancel(ctx)
	view := g.viewLocked()
	g.mu.Unlock()

	g.notify(view)
	go func() { g.apply(g.resolver.Resolve(ctx)) }()
}

// Unmount cancels the resolution and any scheduled redirect. It is safe to
// call more than once.
func (g *Gate) Unmount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unmounted {
		return
	}
	g.unmounted = true
	g.cancelRedirectLocked()
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *Gate) View() GateView {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.viewLocked()
}

func (g *Gate) apply(res Resolution) {
	g.mu.Lock()
	if g.unmounted || g.state != GateLoading {
		g.mu.Unlock()
		return
	}
	switch res.State {
	case ResolutionResolved:
		g.state = GateAuthorized
		g.user = newUserContext(res, g.SignOut)
		g.log.Debug("gate authorized", zap.String("username", res.Session.Principal.Username))
	case ResolutionAbsent:
		g.state = GateUnauthorized
		g.scheduleRedirectLocked()
		g.log.Debug("gate unauthorized, redirect scheduled", zap.Duration("countdown", g.cfg.Countdown))
	default:
		g.mu.Unlock()
		return
	}
	view := g.viewLocked()
	g.mu.Unlock()
	g.notify(view)
}

// SignIn fires the redirect now, cancelling the countdown first. A mount
// navigates to the sign-in page at most once.
func (g *Gate) SignIn(ctx context.Context) error {
	g.mu.Lock()
	if g.unmounted || g.state != GateUnauthorized || g.redirected {
		g.mu.Unlock()
		return nil
	}
	g.cancelRedirectLocked()
	g.redirected = true
	view := g.viewLocked()
	g.mu.Unlock()

	g.notify(view)
	g.metrics.RecordRedirect("manual")
	return g.nav.Navigate(ctx, g.cfg.LoginURL)
}

// SignOut ends an authorized session. The gate goes straight to Unauthorized
// without re-resolving and without a redirect countdown.
func (g *Gate) SignOut(ctx context.Context) error {
	g.mu.Lock()
	if g.unmounted || g.state != GateAuthorized {
		g.mu.Unlock()
		return NoActiveSessionError()
	}
	if g.signingOut {
		g.mu.Unlock()
		return nil
	}
	g.signingOut = true
	g.mu.Unlock()

	if err := g.store.SignOut(ctx); err != nil {
		g.log.Warn("sign out", zap.Error(err))
	}

	g.mu.Lock()
	if g.unmounted {
		g.mu.Unlock()
		return nil
	}
	g.state = GateUnauthorized
	g.user = nil
	g.signedOut = true
	g.signingOut = false
	g.cancelRedirectLocked()
	view := g.viewLocked()
	g.mu.Unlock()

	g.notify(view)
	if g.cfg.LogoutURL == "" {
		return nil
	}
	g.metrics.RecordRedirect("logout")
	return g.nav.Navigate(ctx, g.cfg.LogoutURL)
}

func (g *Gate) scheduleRedirectLocked() {
	g.cancelRedirectLocked()
	rw := &RedirectWillFire{TargetURL: g.cfg.LoginURL, FireAt: g.cfg.Countdown}
	g.redirect = rw
	g.remaining = g.cfg.Countdown
	g.redirectTimer = g.clock.AfterFunc(rw.FireAt, func() { g.fire(rw) })
	g.tickTimer = g.clock.AfterFunc(countdownStep, func() { g.tick(rw) })
}

func (g *Gate) cancelRedirectLocked() {
	stopTimer(g.redirectTimer)
	stopTimer(g.tickTimer)
	g.redirectTimer = nil
	g.tickTimer = nil
	g.redirect = nil
	g.remaining = 0
}

func (g *Gate) tick(rw *RedirectWillFire) {
	g.mu.Lock()
	if g.redirect != rw {
		g.mu.Unlock()
		return
	}
	g.remaining -= countdownStep
	if g.remaining < 0 {
		g.remaining = 0
	}
	if g.remaining > 0 {
		g.tickTimer = g.clock.AfterFunc(countdownStep, func() { g.tick(rw) })
	} else {
		g.tickTimer = nil
	}
	view := g.viewLocked()
	g.mu.Unlock()
	g.notify(view)
}

func (g *Gate) fire(rw *RedirectWillFire) {
	g.mu.Lock()
	if g.redirect != rw || g.redirected {
		g.mu.Unlock()
		return
	}
	g.cancelRedirectLocked()
	g.redirected = true
	view := g.viewLocked()
	g.mu.Unlock()

	g.notify(view)
	g.metrics.RecordRedirect("timer")
	if err := g.nav.Navigate(context.Background(), rw.TargetURL); err != nil {
		g.log.Warn("redirect to sign in", zap.Error(err))
	}
}

func (g *Gate) viewLocked() GateView {
	g.seq++
	v := GateView{
		Seq:        g.seq,
		State:      g.state,
		User:       g.user,
		Remaining:  g.remaining,
		SignedOut:  g.signedOut,
		Redirected: g.redirected,
	}
	if g.redirect != nil {
		rw := *g.redirect
		v.Redirect = &rw
	}
	return v
}

func (g *Gate) notify(v GateView) {
	if g.observe != nil {
		g.observe(v)
	}
}
