package main

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

var testEpoch = time.Unix(1_700_000_000, 0).UTC()

// fakeClock runs timer callbacks on the goroutine calling Advance, outside
// its own lock, so callbacks may schedule more timers.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f, seq: c.seq}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d, firing due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.done && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.done = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// Pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	seq   int
	done  bool
}

func (t *fakeTimer) C() <-chan time.Time { return nil }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.done
	t.done = false
	t.at = t.clock.now.Add(d)
	return active
}

// testToken mints an HS256 token; the client never checks signatures.
func testToken(t *testing.T, username string, exp time.Time) string {
	t.Helper()
	claims := TokenClaims{
		CognitoUsername: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username + "-sub",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return s
}

func testTokens(t *testing.T, username string, exp time.Time, refresh string) SessionTokens {
	t.Helper()
	access := testToken(t, username, exp)
	id := testToken(t, username, exp)
	return SessionTokens{
		AccessToken:  access,
		IDToken:      id,
		RefreshToken: refresh,
		Expiry:       TokenExpiry(access, id),
	}
}

type fakeProvider struct {
	mu        sync.Mutex
	refreshFn func(ctx context.Context, refreshToken string) (SessionTokens, error)
	refreshes int
	revoked   []string
	revokeErr error
}

func (p *fakeProvider) RefreshTokens(ctx context.Context, refreshToken string) (SessionTokens, error) {
	p.mu.Lock()
	p.refreshes++
	fn := p.refreshFn
	p.mu.Unlock()
	if fn == nil {
		return SessionTokens{}, context.DeadlineExceeded
	}
	return fn(ctx, refreshToken)
}

func (p *fakeProvider) Revoke(_ context.Context, refreshToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, refreshToken)
	return p.revokeErr
}

func (p *fakeProvider) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

type fakeFetcher struct {
	mu     sync.Mutex
	userFn func(ctx context.Context, accessToken string) (UserProfile, error)
	calls  int
}

func (f *fakeFetcher) User(ctx context.Context, accessToken string) (UserProfile, error) {
	f.mu.Lock()
	f.calls++
	fn := f.userFn
	f.mu.Unlock()
	if fn == nil {
		return UserProfile{Attributes: []Attribute{}}, nil
	}
	return fn(ctx, accessToken)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
	err     error
}

func (n *recordingNavigator) Navigate(_ context.Context, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
	return n.err
}

func (n *recordingNavigator) Targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

type staticResolver struct {
	mu    sync.Mutex
	res   Resolution
	calls int
	block chan struct{}
}

func (r *staticResolver) Resolve(ctx context.Context) Resolution {
	r.mu.Lock()
	r.calls++
	block := r.block
	res := r.res
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Absent()
		}
	}
	return res
}

func (r *staticResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type countingMetrics struct {
	mu          sync.Mutex
	exchanges   map[string]int
	resolutions map[ResolutionState]int
	refreshes   map[bool]int
	redirects   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		exchanges:   map[string]int{},
		resolutions: map[ResolutionState]int{},
		refreshes:   map[bool]int{},
		redirects:   map[string]int{},
	}
}

func (m *countingMetrics) RecordExchange(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges[outcome]++
}

func (m *countingMetrics) RecordResolution(state ResolutionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions[state]++
}

func (m *countingMetrics) RecordRefresh(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes[success]++
}

func (m *countingMetrics) RecordRedirect(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirects[trigger]++
}

func (m *countingMetrics) Redirects(trigger string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redirects[trigger]
}
