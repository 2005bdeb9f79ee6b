package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orguetta/finely/internal/store"
	apperrors "github.com/orguetta/finely/pkg/errors"
)

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func makeToken(t *testing.T, exp time.Time, userID any) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": exp.Unix(), "token_type": "access"}
	if userID != nil {
		claims["user_id"] = userID
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeRefresher struct {
	calls atomic.Int32
	gate  chan struct{}
	token string
	err   error
	ctxs  chan context.Context
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ string) (string, error) {
	f.calls.Add(1)
	if f.ctxs != nil {
		f.ctxs <- ctx
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.token, f.err
}

type countingStore struct {
	*store.Memory
	clears atomic.Int32
	saves  atomic.Int32
}

func newCountingStore() *countingStore {
	return &countingStore{Memory: store.NewMemory()}
}

func (s *countingStore) Save(ctx context.Context, rec store.Record) error {
	s.saves.Add(1)
	return s.Memory.Save(ctx, rec)
}

func (s *countingStore) Clear(ctx context.Context) error {
	s.clears.Add(1)
	return s.Memory.Clear(ctx)
}

type harness struct {
	m         *Manager
	store     *countingStore
	refresher *fakeRefresher
	clock     *testClock
	redirects atomic.Int32
	events    chan Event
}

func newHarness(t *testing.T, refresher *fakeRefresher) *harness {
	t.Helper()
	h := &harness{
		store:     newCountingStore(),
		refresher: refresher,
		clock:     &testClock{t: baseTime},
		events:    make(chan Event, 64),
	}
	h.m = NewManager(h.store, refresher, Config{RefreshTimeout: 5 * time.Second},
		WithClock(h.clock.Now),
		WithRedirect(func(_ context.Context, path string) {
			assert.Equal(t, "/login", path)
			h.redirects.Add(1)
		}),
		WithListener(ListenerFunc(func(_ context.Context, e Event) { h.events <- e })),
	)
	return h
}

func (h *harness) waitForWaiters(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		return len(h.m.waiters) == n
	}, 2*time.Second, time.Millisecond)
}

func drainEvents(ch chan Event) []EventType {
	var types []EventType
	for {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		default:
			return types
		}
	}
}

// --- token decoding ---

func TestDecodeToken(t *testing.T) {
	exp := baseTime.Add(time.Hour)

	claims, err := DecodeToken(makeToken(t, exp, 42))
	require.NoError(t, err)
	assert.True(t, exp.Equal(claims.Expiry))
	assert.Equal(t, "42", claims.UserID)

	claims, err = DecodeToken(makeToken(t, exp, "u-7"))
	require.NoError(t, err)
	assert.Equal(t, "u-7", claims.UserID)
}

func TestDecodeToken_Malformed(t *testing.T) {
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 1}).SignedString([]byte("k"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two segments", "abc.def"},
		{"bad base64", "eyJhbGciOiJIUzI1NiJ9.!!!.sig"},
		{"payload not json", "eyJhbGciOiJIUzI1NiJ9.bm90LWpzb24.sig"},
		{"no exp", noExp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeToken(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrMalformedToken)
		})
	}
}

// --- SetTokens ---

func TestSetTokens_PersistsAllFields(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})
	exp := baseTime.Add(time.Hour)
	access := makeToken(t, exp, 42)

	require.NoError(t, h.m.SetTokens(context.Background(), access, "refresh-1"))

	snap := h.store.Snapshot()
	assert.Equal(t, access, snap["access"])
	assert.Equal(t, "refresh-1", snap["refresh"])
	assert.Equal(t, "1777892400000", snap["token_expiry"])
	assert.Equal(t, Authenticated, h.m.State())
	assert.Equal(t, "42", h.m.UserID())
	assert.Equal(t, []EventType{EventLoggedIn}, drainEvents(h.events))
}

func TestSetTokens_MalformedPersistsNothing(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})

	err := h.m.SetTokens(context.Background(), "not-a-jwt", "refresh-1")
	require.ErrorIs(t, err, apperrors.ErrMalformedToken)
	assert.Empty(t, h.store.Snapshot())
	assert.Zero(t, h.store.saves.Load())
	assert.Equal(t, Unauthenticated, h.m.State())
}

// --- expiry ---

func TestValidToken_CachedUntilSkew(t *testing.T) {
	newToken := makeToken(t, baseTime.Add(2*time.Hour), 42)
	h := newHarness(t, &fakeRefresher{token: newToken})
	exp := baseTime.Add(10 * time.Minute)
	access := makeToken(t, exp, 42)
	require.NoError(t, h.m.SetTokens(context.Background(), access, "refresh-1"))

	h.clock.Set(exp.Add(-61 * time.Second))
	token, err := h.m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, access, token)
	assert.Zero(t, h.refresher.calls.Load())

	h.clock.Set(exp.Add(-60 * time.Second))
	token, err = h.m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newToken, token)
	assert.Equal(t, int32(1), h.refresher.calls.Load())
}

func TestTokenExpired_WithinSkewRefreshesFirst(t *testing.T) {
	newToken := makeToken(t, baseTime.Add(time.Hour), 42)
	h := newHarness(t, &fakeRefresher{token: newToken})
	access := makeToken(t, baseTime.Add(30*time.Second), 42)
	require.NoError(t, h.m.SetTokens(context.Background(), access, "refresh-1"))

	assert.True(t, h.m.TokenExpired(context.Background()))

	token, err := h.m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newToken, token)
	assert.Equal(t, int32(1), h.refresher.calls.Load())
	assert.False(t, h.m.TokenExpired(context.Background()))
	assert.Equal(t, newToken, h.store.Snapshot()["access"])
	assert.Equal(t, "refresh-1", h.store.Snapshot()["refresh"])
}

func TestTokenExpired_NoExpiryKnown(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})
	assert.True(t, h.m.TokenExpired(context.Background()))
}

func TestValidToken_LoadsFromStore(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})
	exp := baseTime.Add(time.Hour)
	access := makeToken(t, exp, 9)
	require.NoError(t, h.store.Memory.Save(context.Background(), store.Record{Access: access, Refresh: "r", Expiry: exp}))

	token, err := h.m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, access, token)
	assert.Equal(t, Authenticated, h.m.State())
	assert.Equal(t, "9", h.m.UserID())
	assert.Zero(t, h.refresher.calls.Load())
}

func TestValidToken_NoSessionLogsOut(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})

	_, err := h.m.ValidToken(context.Background())
	require.ErrorIs(t, err, apperrors.ErrNotLoggedIn)
	assert.Equal(t, LoggedOut, h.m.State())
	assert.Equal(t, int32(1), h.redirects.Load())

	_, err = h.m.ValidToken(context.Background())
	require.ErrorIs(t, err, apperrors.ErrNotLoggedIn)
	assert.Equal(t, int32(1), h.redirects.Load(), "already logged out")
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})

	_, err := h.m.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
	assert.True(t, apperrors.EndsSession(err))
	assert.Zero(t, h.refresher.calls.Load())
	assert.Equal(t, LoggedOut, h.m.State())
	assert.Equal(t, int32(1), h.store.clears.Load())
}

// --- single flight ---

func TestRefresh_SingleFlight(t *testing.T) {
	const n = 8
	newToken := makeToken(t, baseTime.Add(time.Hour), 42)
	h := newHarness(t, &fakeRefresher{token: newToken, gate: make(chan struct{})})
	require.NoError(t, h.m.SetTokens(context.Background(), makeToken(t, baseTime.Add(time.Minute), 42), "refresh-1"))
	before := testutil.ToFloat64(refreshTotal.WithLabelValues("success"))

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.m.Refresh(context.Background())
		}(i)
	}

	h.waitForWaiters(t, n)
	assert.Equal(t, Authenticating, h.m.State())
	close(h.refresher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), h.refresher.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, newToken, results[i])
	}
	assert.Equal(t, Authenticated, h.m.State())
	assert.Equal(t, before+1, testutil.ToFloat64(refreshTotal.WithLabelValues("success")))

	h.m.mu.Lock()
	assert.False(t, h.m.refreshing, "in-flight marker cleared")
	h.m.mu.Unlock()
}

func TestRefresh_FailureRejectsEveryWaiter(t *testing.T) {
	const n = 5
	h := newHarness(t, &fakeRefresher{err: errors.New("401 from refresh endpoint"), gate: make(chan struct{})})
	require.NoError(t, h.m.SetTokens(context.Background(), makeToken(t, baseTime.Add(time.Minute), 42), "refresh-1"))
	drainEvents(h.events)
	before := testutil.ToFloat64(logoutTotal.WithLabelValues(ReasonRefreshFailed))

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.m.Refresh(context.Background())
		}(i)
	}
	h.waitForWaiters(t, n)
	close(h.refresher.gate)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
	}
	assert.Equal(t, int32(1), h.refresher.calls.Load())
	assert.Empty(t, h.store.Snapshot())
	assert.Equal(t, LoggedOut, h.m.State())
	assert.Equal(t, int32(1), h.redirects.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(logoutTotal.WithLabelValues(ReasonRefreshFailed)))
	assert.Equal(t, []EventType{EventLoggedOut}, drainEvents(h.events))

	// A later call does not deadlock on a stale in-flight marker.
	_, err := h.m.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
	assert.Equal(t, int32(1), h.redirects.Load())
}

func TestRefresh_MalformedNewTokenFails(t *testing.T) {
	h := newHarness(t, &fakeRefresher{token: "garbage"})
	require.NoError(t, h.m.SetTokens(context.Background(), makeToken(t, baseTime.Add(time.Minute), 1), "r"))

	_, err := h.m.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
	assert.ErrorIs(t, err, apperrors.ErrMalformedToken)
	assert.Equal(t, LoggedOut, h.m.State())
}

func TestRefresh_OutlivesCanceledCaller(t *testing.T) {
	newToken := makeToken(t, baseTime.Add(time.Hour), 42)
	h := newHarness(t, &fakeRefresher{token: newToken, gate: make(chan struct{}), ctxs: make(chan context.Context, 1)})
	require.NoError(t, h.m.SetTokens(context.Background(), makeToken(t, baseTime.Add(time.Minute), 42), "r"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.m.Refresh(ctx)
		done <- err
	}()

	refreshCtx := <-h.refresher.ctxs
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.NoError(t, refreshCtx.Err())
	_, hasDeadline := refreshCtx.Deadline()
	assert.True(t, hasDeadline)

	close(h.refresher.gate)
	require.Eventually(t, func() bool { return h.m.State() == Authenticated }, time.Second, time.Millisecond)

	token, err := h.m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newToken, token)
}

func TestRefreshStale_SkipsWhenTokenAlreadyRotated(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})
	current := makeToken(t, baseTime.Add(time.Hour), 42)
	require.NoError(t, h.m.SetTokens(context.Background(), current, "r"))

	token, err := h.m.RefreshStale(context.Background(), "older-token")
	require.NoError(t, err)
	assert.Equal(t, current, token)
	assert.Zero(t, h.refresher.calls.Load())
}

func TestRefresh_LogoutDuringRefreshWins(t *testing.T) {
	h := newHarness(t, &fakeRefresher{token: makeToken(t, baseTime.Add(time.Hour), 42), gate: make(chan struct{})})
	require.NoError(t, h.m.SetTokens(context.Background(), makeToken(t, baseTime.Add(time.Minute), 42), "r"))
	before := testutil.ToFloat64(refreshTotal.WithLabelValues("superseded"))

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Refresh(context.Background())
		done <- err
	}()
	h.waitForWaiters(t, 1)

	require.NoError(t, h.m.Logout(context.Background()))
	close(h.refresher.gate)

	require.ErrorIs(t, <-done, apperrors.ErrRefreshFailed)
	assert.Equal(t, LoggedOut, h.m.State())
	assert.Empty(t, h.store.Snapshot(), "refreshed token not persisted after logout")
	assert.Equal(t, before+1, testutil.ToFloat64(refreshTotal.WithLabelValues("superseded")))
}

// --- logout ---

func TestLogout_Idempotent(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})
	require.NoError(t, h.m.SetTokens(context.Background(), makeToken(t, baseTime.Add(time.Hour), 42), "r"))
	drainEvents(h.events)

	require.NoError(t, h.m.Logout(context.Background()))
	require.NoError(t, h.m.Logout(context.Background()))

	assert.Equal(t, int32(1), h.store.clears.Load())
	assert.Equal(t, int32(1), h.redirects.Load())
	assert.Empty(t, h.store.Snapshot())
	assert.Equal(t, LoggedOut, h.m.State())
	assert.False(t, h.m.IsLoggedIn(context.Background()))
	assert.Equal(t, []EventType{EventLoggedOut}, drainEvents(h.events))
}

func TestLogout_ThenLoginAgain(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})
	require.NoError(t, h.m.Logout(context.Background()))

	access := makeToken(t, baseTime.Add(time.Hour), 42)
	require.NoError(t, h.m.SetTokens(context.Background(), access, "r"))
	assert.Equal(t, Authenticated, h.m.State())

	require.NoError(t, h.m.Logout(context.Background()))
	assert.Equal(t, int32(2), h.redirects.Load())
}

func TestInvalidate_NoRedirectNoClear(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})
	require.NoError(t, h.m.SetTokens(context.Background(), makeToken(t, baseTime.Add(time.Hour), 42), "r"))
	require.NoError(t, h.store.Memory.Clear(context.Background()))

	h.m.Invalidate(context.Background())

	assert.Equal(t, LoggedOut, h.m.State())
	assert.Zero(t, h.redirects.Load())
	assert.Zero(t, h.store.clears.Load())
	assert.False(t, h.m.IsLoggedIn(context.Background()))
}

// slowStore holds every write until the test releases it.
type slowStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func newSlowStore() *slowStore {
	return &slowStore{Memory: store.NewMemory(), entered: make(chan struct{}, 4), release: make(chan struct{})}
}

func (s *slowStore) Save(ctx context.Context, rec store.Record) error {
	s.entered <- struct{}{}
	<-s.release
	return s.Memory.Save(ctx, rec)
}

func (s *slowStore) Clear(ctx context.Context) error {
	s.entered <- struct{}{}
	<-s.release
	return s.Memory.Clear(ctx)
}

func TestStoreWrites_DoNotBlockTokenReads(t *testing.T) {
	ctx := context.Background()
	st := newSlowStore()
	clock := &testClock{t: baseTime}
	m := NewManager(st, &fakeRefresher{}, Config{}, WithClock(clock.Now))

	first := makeToken(t, baseTime.Add(time.Hour), 42)
	done := make(chan error, 1)
	go func() { done <- m.SetTokens(ctx, first, "r1") }()
	<-st.entered
	st.release <- struct{}{}
	require.NoError(t, <-done)

	second := makeToken(t, baseTime.Add(2*time.Hour), 42)
	go func() { done <- m.SetTokens(ctx, second, "r2") }()
	<-st.entered

	got := make(chan string, 1)
	go func() {
		token, _ := m.ValidToken(ctx)
		got <- token
	}()
	select {
	case token := <-got:
		assert.Equal(t, first, token)
	case <-time.After(time.Second):
		t.Fatal("cached token read waited for the store write")
	}

	st.release <- struct{}{}
	require.NoError(t, <-done)
	token, err := m.ValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, token)

	go func() { done <- m.Logout(ctx) }()
	<-st.entered
	assert.Equal(t, LoggedOut, m.State())
	assert.Zero(t, m.Expiry())

	st.release <- struct{}{}
	require.NoError(t, <-done)
	assert.Empty(t, st.Snapshot())
}

// --- IsLoggedIn ---

func TestIsLoggedIn_Optimistic(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})
	assert.False(t, h.m.IsLoggedIn(context.Background()))

	require.NoError(t, h.store.Memory.Save(context.Background(), store.Record{Refresh: "r"}))
	assert.True(t, h.m.IsLoggedIn(context.Background()), "refresh token alone counts")
	assert.True(t, h.m.TokenExpired(context.Background()))
}

func TestInfo(t *testing.T) {
	h := newHarness(t, &fakeRefresher{})
	require.NoError(t, h.m.SetTokens(context.Background(), makeToken(t, baseTime.Add(time.Hour), 42), "r"))

	userID, state := h.m.Info(context.Background())
	assert.Equal(t, "42", userID)
	assert.Equal(t, "authenticated", state)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "authenticating", Authenticating.String())
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "logged_out", LoggedOut.String())
	assert.Equal(t, "unknown", State(99).String())
}
