package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPool = "us-east-1_pool"

type storeFixture struct {
	store    *TokenSessionStore
	provider *fakeProvider
	fetcher  *fakeFetcher
	repo     *InMemoryRepo
	clock    *fakeClock
	metrics  *countingMetrics
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	f := &storeFixture{
		provider: &fakeProvider{},
		fetcher:  &fakeFetcher{},
		repo:     NewInMemoryRepo(),
		clock:    newFakeClock(),
		metrics:  newCountingMetrics(),
	}
	f.store = NewTokenSessionStore(testPool, f.provider, f.fetcher, f.repo,
		WithStoreClock(f.clock),
		WithRefreshLeeway(time.Minute),
		WithStoreMetrics(f.metrics),
	)
	return f
}

func (f *storeFixture) begin(t *testing.T, username string, exp time.Time, refresh string) SessionTokens {
	t.Helper()
	tokens := testTokens(t, username, exp, refresh)
	f.store.BeginSession(context.Background(), username, tokens.AccessToken, tokens.IDToken, tokens.RefreshToken)
	return tokens
}

func TestTokenSessionStore_BeginSession(t *testing.T) {
	f := newStoreFixture(t)
	exp := testEpoch.Add(time.Hour)
	tokens := f.begin(t, "alice", exp, "rt-1")

	p, ok := f.store.CurrentPrincipal()
	require.True(t, ok)
	assert.Equal(t, "alice", p.Username)

	sess, ok := f.store.Session()
	require.True(t, ok)
	assert.Equal(t, tokens, sess.Tokens)
	assert.True(t, sess.Tokens.Expiry.Equal(exp))
	assert.True(t, f.store.Validate(sess.Tokens))

	stored, err := f.repo.Load(context.Background(), testPool)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)
	assert.Equal(t, tokens, stored.Tokens)
}

func TestTokenSessionStore_BeginSessionIsIdempotent(t *testing.T) {
	f := newStoreFixture(t)
	tokens := f.begin(t, "alice", testEpoch.Add(time.Hour), "rt-1")

	f.store.mu.RLock()
	gen := f.store.generation
	f.store.mu.RUnlock()
	pending := f.clock.Pending()

	f.store.BeginSession(context.Background(), "alice", tokens.AccessToken, tokens.IDToken, tokens.RefreshToken)

	f.store.mu.RLock()
	defer f.store.mu.RUnlock()
	assert.Equal(t, gen, f.store.generation)
	assert.Equal(t, pending, f.clock.Pending())
}

func TestTokenSessionStore_Validate(t *testing.T) {
	f := newStoreFixture(t)

	tests := []struct {
		name   string
		tokens SessionTokens
		want   bool
	}{
		{name: "future expiry", tokens: testTokens(t, "a", testEpoch.Add(time.Minute), "rt"), want: true},
		{name: "past expiry", tokens: testTokens(t, "a", testEpoch.Add(-time.Second), "rt"), want: false},
		{name: "expires now", tokens: testTokens(t, "a", testEpoch, "rt"), want: false},
		{name: "unparsable access token", tokens: SessionTokens{AccessToken: "junk", Expiry: TokenExpiry("junk", "")}, want: false},
		{name: "empty", tokens: SessionTokens{}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.store.Validate(tt.tokens))
		})
	}
}

func TestTokenSessionStore_Recover(t *testing.T) {
	f := newStoreFixture(t)
	tokens := testTokens(t, "bob", testEpoch.Add(time.Hour), "rt-b")
	require.NoError(t, f.repo.Save(context.Background(), StoredSession{PoolID: testPool, Username: "bob", Tokens: tokens}))

	_, ok := f.store.Session()
	require.False(t, ok)

	sess, ok := f.store.Recover(context.Background())
	require.True(t, ok)
	assert.Equal(t, "bob", sess.Principal.Username)

	cur, ok := f.store.Session()
	require.True(t, ok)
	assert.Equal(t, tokens, cur.Tokens)
}

func TestTokenSessionStore_RecoverOtherPool(t *testing.T) {
	f := newStoreFixture(t)
	tokens := testTokens(t, "bob", testEpoch.Add(time.Hour), "rt-b")
	require.NoError(t, f.repo.Save(context.Background(), StoredSession{PoolID: "other-pool", Username: "bob", Tokens: tokens}))

	_, ok := f.store.Recover(context.Background())
	assert.False(t, ok)
}

func TestTokenSessionStore_SignOut(t *testing.T) {
	f := newStoreFixture(t)
	f.begin(t, "alice", testEpoch.Add(time.Hour), "rt-1")

	require.NoError(t, f.store.SignOut(context.Background()))

	_, ok := f.store.Session()
	assert.False(t, ok)
	_, err := f.repo.Load(context.Background(), testPool)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"rt-1"}, f.provider.revoked)
}

func TestTokenSessionStore_SignOutSucceedsWhenRevokeFails(t *testing.T) {
	f := newStoreFixture(t)
	f.provider.revokeErr = errors.New("connection reset")
	f.begin(t, "alice", testEpoch.Add(time.Hour), "rt-1")

	require.NoError(t, f.store.SignOut(context.Background()))
	_, ok := f.store.Session()
	assert.False(t, ok)
}

func TestTokenSessionStore_SignOutWithoutSession(t *testing.T) {
	f := newStoreFixture(t)

	err := f.store.SignOut(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindNoActiveSession, KindOf(err))
	assert.Empty(t, f.provider.revoked)
}

func TestTokenSessionStore_Refresh(t *testing.T) {
	f := newStoreFixture(t)
	f.begin(t, "alice", testEpoch.Add(-time.Minute), "rt-1")
	fresh := testTokens(t, "alice", testEpoch.Add(time.Hour), "rt-1")
	f.provider.refreshFn = func(_ context.Context, rt string) (SessionTokens, error) {
		assert.Equal(t, "rt-1", rt)
		return fresh, nil
	}

	got, err := f.store.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, fresh, got)

	sess, ok := f.store.Session()
	require.True(t, ok)
	assert.Equal(t, "alice", sess.Principal.Username)
	assert.Equal(t, fresh, sess.Tokens)

	stored, err := f.repo.Load(context.Background(), testPool)
	require.NoError(t, err)
	assert.Equal(t, fresh, stored.Tokens)
	assert.Equal(t, 1, f.metrics.refreshes[true])
}

func TestTokenSessionStore_RefreshFailureLeavesStateUntouched(t *testing.T) {
	f := newStoreFixture(t)
	before := f.begin(t, "alice", testEpoch.Add(-time.Minute), "rt-1")
	f.provider.refreshFn = func(context.Context, string) (SessionTokens, error) {
		return SessionTokens{}, errors.New("invalid_grant")
	}

	_, err := f.store.Refresh(context.Background(), "rt-1")
	require.Error(t, err)
	assert.Equal(t, KindRefresh, KindOf(err))

	sess, ok := f.store.Session()
	require.True(t, ok)
	assert.Equal(t, before, sess.Tokens)
	assert.Equal(t, 1, f.metrics.refreshes[false])
}

func TestTokenSessionStore_RefreshRacingSignOutDoesNotResurrect(t *testing.T) {
	f := newStoreFixture(t)
	f.begin(t, "alice", testEpoch.Add(-time.Minute), "rt-1")

	started := make(chan struct{})
	release := make(chan struct{})
	fresh := testTokens(t, "alice", testEpoch.Add(time.Hour), "rt-2")
	f.provider.refreshFn = func(context.Context, string) (SessionTokens, error) {
		close(started)
		<-release
		return fresh, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := f.store.Refresh(context.Background(), "rt-1")
		errCh <- err
	}()

	<-started
	require.NoError(t, f.store.SignOut(context.Background()))
	close(release)

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, KindRefresh, KindOf(err))

	_, ok := f.store.Session()
	assert.False(t, ok)
	_, err = f.repo.Load(context.Background(), testPool)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenSessionStore_ConcurrentRefreshSharesOneGrant(t *testing.T) {
	f := newStoreFixture(t)
	f.begin(t, "alice", testEpoch.Add(-time.Minute), "rt-1")

	release := make(chan struct{})
	fresh := testTokens(t, "alice", testEpoch.Add(time.Hour), "rt-1")
	f.provider.refreshFn = func(context.Context, string) (SessionTokens, error) {
		<-release
		return fresh, nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.store.Refresh(context.Background(), "rt-1")
		}(i)
	}
	require.Eventually(t, func() bool { return f.provider.Refreshes() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.provider.Refreshes())
	for _, err := range results {
		assert.NoError(t, err)
	}
	sess, ok := f.store.Session()
	require.True(t, ok)
	assert.Equal(t, fresh, sess.Tokens)
}

func TestTokenSessionStore_ProactiveRefresh(t *testing.T) {
	f := newStoreFixture(t)
	f.begin(t, "alice", testEpoch.Add(10*time.Minute), "rt-1")
	fresh := testTokens(t, "alice", testEpoch.Add(time.Hour), "rt-1")
	f.provider.refreshFn = func(context.Context, string) (SessionTokens, error) { return fresh, nil }

	f.clock.Advance(8 * time.Minute)
	assert.Equal(t, 0, f.provider.Refreshes())

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.provider.Refreshes())
	sess, ok := f.store.Session()
	require.True(t, ok)
	assert.Equal(t, fresh, sess.Tokens)
}

func TestTokenSessionStore_ReplacedTokensCancelScheduledRefresh(t *testing.T) {
	f := newStoreFixture(t)
	f.begin(t, "alice", testEpoch.Add(10*time.Minute), "rt-1")
	f.begin(t, "alice", testEpoch.Add(2*time.Hour), "rt-2")

	var seen []string
	f.provider.refreshFn = func(_ context.Context, rt string) (SessionTokens, error) {
		seen = append(seen, rt)
		return testTokens(t, "alice", testEpoch.Add(3*time.Hour), rt), nil
	}

	f.clock.Advance(30 * time.Minute)
	assert.Empty(t, seen, "refresh scheduled for replaced tokens must not run")

	f.clock.Advance(90 * time.Minute)
	assert.Equal(t, []string{"rt-2"}, seen)
}

func TestTokenSessionStore_SignOutCancelsScheduledRefresh(t *testing.T) {
	f := newStoreFixture(t)
	f.begin(t, "alice", testEpoch.Add(10*time.Minute), "rt-1")
	require.NoError(t, f.store.SignOut(context.Background()))

	f.clock.Advance(time.Hour)
	assert.Equal(t, 0, f.provider.Refreshes())
	assert.Equal(t, 0, f.clock.Pending())
}

func TestTokenSessionStore_Attributes(t *testing.T) {
	f := newStoreFixture(t)
	tokens := f.begin(t, "alice", testEpoch.Add(time.Hour), "rt-1")
	sess, _ := f.store.Session()

	f.fetcher.userFn = func(_ context.Context, access string) (UserProfile, error) {
		assert.Equal(t, tokens.AccessToken, access)
		return UserProfile{Username: "alice", Attributes: []Attribute{{Name: "email", Value: "alice@example.com"}}}, nil
	}
	attrs, err := f.store.Attributes(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, attrs.Loaded())
	v, ok := attrs.Get("email")
	assert.True(t, ok)
	assert.Equal(t, "alice@example.com", v)

	f.fetcher.userFn = func(context.Context, string) (UserProfile, error) {
		return UserProfile{}, errors.New("boom")
	}
	attrs, err = f.store.Attributes(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, KindAttributeFetch, KindOf(err))
	assert.False(t, attrs.Loaded())
}
