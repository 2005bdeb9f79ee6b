// Package session owns the credentials of the single signed-in user: it caches
// and persists the token pair, refreshes the access token at most once at a
// time, and logs the user out when the session cannot be recovered.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/orguetta/finely/internal/store"
	apperrors "github.com/orguetta/finely/pkg/errors"
	"github.com/orguetta/finely/pkg/logger"
	"github.com/orguetta/finely/pkg/tracing"
)

const tracerName = "github.com/orguetta/finely/internal/session"

// Defaults applied when Config leaves a field zero.
const (
	DefaultSkew           = 60 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
	DefaultLoginPath      = "/login"
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// RedirectFunc sends the user to the login page. It is called once per
// transition into LoggedOut.
type RedirectFunc func(ctx context.Context, loginPath string)

// Config tunes a Manager.
type Config struct {
	// Skew is subtracted from the token expiry; a token is only used while
	// now < expiry - Skew.
	Skew time.Duration
	// RefreshTimeout bounds one refresh call independently of any caller.
	RefreshTimeout time.Duration
	LoginPath      string
}

type refreshResult struct {
	token string
	err   error
}

// Manager is the only writer of the token store.
type Manager struct {
	store     store.Store
	refresher Refresher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	redirect  RedirectFunc
	listeners []Listener

	// writeMu orders store I/O and is taken before mu. mu alone guards the
	// cached fields, so token readers never wait on the store.
	writeMu sync.Mutex

	mu         sync.Mutex
	access     string
	refresh    string
	expiry     time.Time
	userID     string
	state      State
	epoch      uint64
	refreshing bool
	waiters    []chan refreshResult
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Token values are never logged.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRedirect sets the function called on logout.
func WithRedirect(fn RedirectFunc) Option {
	return func(m *Manager) { m.redirect = fn }
}

// WithListener adds a listener for session events.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// NewManager creates a session manager over st.
func NewManager(st store.Store, refresher Refresher, cfg Config, opts ...Option) *Manager {
	if cfg.Skew <= 0 {
		cfg.Skew = DefaultSkew
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}

	m := &Manager{
		store:     st,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger.Discard(),
		now:       time.Now,
		state:     Unauthenticated,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.redirect == nil {
		m.redirect = func(ctx context.Context, path string) {
			m.logger.InfoContext(ctx, "redirecting to login", slog.String("path", path))
		}
	}
	return m
}

// LoginPath returns where logged-out users are sent.
func (m *Manager) LoginPath() string { return m.cfg.LoginPath }

// SetTokens decodes access, then persists and caches the pair. A malformed
// access token leaves both the cache and the store untouched.
func (m *Manager) SetTokens(ctx context.Context, access, refresh string) error {
	claims, err := DecodeToken(access)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	if err := m.store.Save(ctx, store.Record{Access: access, Refresh: refresh, Expiry: claims.Expiry}); err != nil {
		m.writeMu.Unlock()
		return fmt.Errorf("persist tokens: %w", err)
	}

	m.mu.Lock()
	m.epoch++
	m.access = access
	m.expiry = claims.Expiry
	m.userID = claims.UserID
	if refresh != "" {
		m.refresh = refresh
	}
	prev := m.setStateLocked(Authenticated)
	m.mu.Unlock()
	m.writeMu.Unlock()

	m.logTransition(ctx, prev, Authenticated)
	m.emit(ctx, Event{Type: EventLoggedIn, UserID: claims.UserID})
	return nil
}

// ValidToken returns an access token that is not about to expire. It tries
// the cache, then storage, then a refresh. With no refresh token at all the
// session is logged out and NotLoggedIn is returned.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	if token, ok := m.cachedToken(); ok {
		return token, nil
	}

	if err := m.sync(ctx); err != nil {
		return "", err
	}
	if token, ok := m.cachedToken(); ok {
		return token, nil
	}

	m.mu.Lock()
	hasRefresh := m.refresh != ""
	m.mu.Unlock()
	if hasRefresh {
		return m.Refresh(ctx)
	}

	if err := m.logout(ctx, ReasonNoSession); err != nil {
		m.logger.WarnContext(ctx, "logout after missing session failed", slog.String("error", err.Error()))
	}
	return "", apperrors.NotLoggedIn()
}

// Refresh obtains a new access token. Concurrent callers share one call to
// the refresher and all receive its result. A failed refresh logs the
// session out.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.join(ctx, "")
}

// RefreshStale is Refresh for a caller whose request was rejected with
// stale. If the cached token has already moved on, it is returned without
// another refresh.
func (m *Manager) RefreshStale(ctx context.Context, stale string) (string, error) {
	return m.join(ctx, stale)
}

func (m *Manager) join(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	if stale != "" && m.access != "" && m.access != stale && m.validLocked() {
		token := m.access
		m.mu.Unlock()
		return token, nil
	}

	ch := make(chan refreshResult, 1)
	if m.refreshing {
		m.waiters = append(m.waiters, ch)
		m.mu.Unlock()
		return m.wait(ctx, ch)
	}

	if m.refresh == "" {
		m.mu.Unlock()
		if err := m.sync(ctx); err != nil {
			return "", err
		}
		m.mu.Lock()
		if m.refreshing {
			m.waiters = append(m.waiters, ch)
			m.mu.Unlock()
			return m.wait(ctx, ch)
		}
		if m.refresh == "" {
			m.mu.Unlock()
			if err := m.logout(ctx, ReasonNoRefreshToken); err != nil {
				m.logger.WarnContext(ctx, "logout without refresh token failed", slog.String("error", err.Error()))
			}
			return "", apperrors.NoRefreshToken()
		}
	}

	m.refreshing = true
	m.waiters = append(m.waiters, ch)
	refreshToken := m.refresh
	epoch := m.epoch
	prev := m.setStateLocked(Authenticating)
	m.mu.Unlock()

	m.logTransition(ctx, prev, Authenticating)

	// The refresh outlives any single caller; it is bounded by RefreshTimeout.
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
	go func() {
		defer cancel()
		m.runRefresh(refreshCtx, refreshToken, epoch)
	}()

	return m.wait(ctx, ch)
}

func (m *Manager) wait(ctx context.Context, ch <-chan refreshResult) (string, error) {
	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for token refresh: %w", ctx.Err())
	}
}

func (m *Manager) runRefresh(ctx context.Context, refreshToken string, epoch uint64) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "session.refresh")

	var (
		token  string
		claims Claims
		err    error
	)
	defer func() {
		span.SetAttributes(attribute.Bool("session.refresh.success", err == nil))
		tracing.End(span, err)
	}()

	token, err = m.refresher.Refresh(ctx, refreshToken)
	if err == nil {
		claims, err = DecodeToken(token)
	}
	if err != nil && !errors.Is(err, apperrors.ErrRefreshFailed) {
		err = apperrors.RefreshFailed(err)
	}

	m.writeMu.Lock()
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = nil
	m.refreshing = false

	switch {
	case m.epoch != epoch:
		// A login or logout happened while the call was in flight; its
		// outcome wins over this one.
		refreshTotal.WithLabelValues("superseded").Inc()
		token, err = m.access, nil
		if !m.validLocked() {
			token, err = "", apperrors.RefreshFailed(errors.New("session changed during refresh"))
		}
		m.mu.Unlock()
		m.writeMu.Unlock()
		m.settle(waiters, token, err)

	case err != nil:
		refreshTotal.WithLabelValues("failure").Inc()
		m.mu.Unlock()
		m.writeMu.Unlock()
		m.logger.WarnContext(ctx, "token refresh failed",
			slog.String("refresh_fingerprint", logger.Fingerprint(refreshToken)),
			slog.String("error", err.Error()),
		)
		if lerr := m.logout(ctx, ReasonRefreshFailed); lerr != nil {
			m.logger.WarnContext(ctx, "logout after refresh failure failed", slog.String("error", lerr.Error()))
		}
		m.settle(waiters, "", err)

	default:
		m.access = token
		m.expiry = claims.Expiry
		if claims.UserID != "" {
			m.userID = claims.UserID
		}
		prev := m.setStateLocked(Authenticated)
		m.mu.Unlock()

		if serr := m.store.Save(ctx, store.Record{Access: token, Expiry: claims.Expiry}); serr != nil {
			m.logger.WarnContext(ctx, "persist refreshed token failed", slog.String("error", serr.Error()))
		}
		m.writeMu.Unlock()

		refreshTotal.WithLabelValues("success").Inc()
		m.logTransition(ctx, prev, Authenticated)
		m.logger.InfoContext(ctx, "access token refreshed",
			slog.String("token_fingerprint", logger.Fingerprint(token)),
			slog.Time("expires_at", claims.Expiry),
			slog.Int("waiters", len(waiters)),
		)
		m.emit(ctx, Event{Type: EventRefreshed, UserID: claims.UserID})
		m.settle(waiters, token, nil)
	}
}

// settle releases waiters in the order they joined.
func (m *Manager) settle(waiters []chan refreshResult, token string, err error) {
	refreshWaiters.Observe(float64(len(waiters)))
	for _, ch := range waiters {
		ch <- refreshResult{token: token, err: err}
	}
}

// Logout clears the stored credentials and redirects to login. Calling it
// again while already logged out does nothing.
func (m *Manager) Logout(ctx context.Context) error {
	return m.logout(ctx, ReasonUser)
}

func (m *Manager) logout(ctx context.Context, reason string) error {
	m.writeMu.Lock()
	m.mu.Lock()
	if m.state == LoggedOut {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return nil
	}
	userID := m.userID
	m.clearLocked()
	prev := m.setStateLocked(LoggedOut)
	m.mu.Unlock()
	err := m.store.Clear(ctx)
	m.writeMu.Unlock()

	logoutTotal.WithLabelValues(reason).Inc()
	m.logTransition(ctx, prev, LoggedOut, slog.String("reason", reason))
	m.redirect(ctx, m.cfg.LoginPath)
	m.emit(ctx, Event{Type: EventLoggedOut, UserID: userID, Reason: reason})

	if err != nil {
		return fmt.Errorf("clear session store: %w", err)
	}
	return nil
}

// Invalidate drops the cached credentials after another process ended the
// session in shared storage. It neither touches the store nor redirects.
func (m *Manager) Invalidate(ctx context.Context) {
	m.mu.Lock()
	if m.state == LoggedOut && m.access == "" && m.refresh == "" {
		m.mu.Unlock()
		return
	}
	m.clearLocked()
	prev := m.setStateLocked(LoggedOut)
	m.mu.Unlock()

	m.logTransition(ctx, prev, LoggedOut, slog.String("reason", "invalidated"))
}

// IsLoggedIn reports whether an unexpired access token or any refresh token
// exists. It is optimistic: the refresh token may be rejected later.
func (m *Manager) IsLoggedIn(ctx context.Context) bool {
	if _, ok := m.cachedToken(); ok {
		return true
	}
	if err := m.sync(ctx); err != nil {
		m.logger.WarnContext(ctx, "load session failed", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validLocked() || m.refresh != ""
}

// TokenExpired reports whether the access token is missing, expired or
// within the skew of expiring.
func (m *Manager) TokenExpired(ctx context.Context) bool {
	if _, ok := m.cachedToken(); ok {
		return false
	}
	if err := m.sync(ctx); err != nil {
		m.logger.WarnContext(ctx, "load session failed", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.validLocked()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the user id claim of the cached access token.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Expiry returns the cached access token expiry.
func (m *Manager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiry
}

// Info returns the user id and state name, for request logging.
func (m *Manager) Info(context.Context) (userID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID, m.state.String()
}

func (m *Manager) cachedToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.validLocked() {
		return m.access, true
	}
	return "", false
}

// validLocked reports now < expiry - skew for the cached access token.
func (m *Manager) validLocked() bool {
	if m.access == "" || m.expiry.IsZero() {
		return false
	}
	return m.now().Before(m.expiry.Add(-m.cfg.Skew))
}

// sync adopts credentials from storage that the cache lacks. It waits for
// pending store writes; results read before an invalidation are discarded.
func (m *Manager) sync(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	rec, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec.Empty() {
		return nil
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return nil
	}

	var userID string
	if rec.Access != "" && !m.validLocked() {
		if claims, err := DecodeToken(rec.Access); err == nil {
			m.access = rec.Access
			m.expiry = claims.Expiry
			userID = claims.UserID
			if !rec.Expiry.IsZero() {
				m.expiry = rec.Expiry
			}
		}
	}
	if userID != "" {
		m.userID = userID
	}
	if rec.Refresh != "" {
		m.refresh = rec.Refresh
	}

	var prev State
	changed := false
	if (m.state == Unauthenticated || m.state == LoggedOut) && (m.access != "" || m.refresh != "") {
		prev = m.setStateLocked(Authenticated)
		changed = true
	}
	m.mu.Unlock()

	if changed {
		m.logTransition(ctx, prev, Authenticated, slog.String("source", "store"))
	}
	return nil
}

func (m *Manager) clearLocked() {
	m.epoch++
	m.access = ""
	m.refresh = ""
	m.expiry = time.Time{}
	m.userID = ""
}

func (m *Manager) setStateLocked(s State) State {
	prev := m.state
	m.state = s
	return prev
}

func (m *Manager) logTransition(ctx context.Context, from, to State, attrs ...any) {
	if from == to {
		return
	}
	attrs = append([]any{slog.String("from", from.String()), slog.String("to", to.String())}, attrs...)
	m.logger.InfoContext(ctx, "session state changed", attrs...)
}

func (m *Manager) emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = m.now().UTC()
	}
	for _, l := range m.listeners {
		l.OnSessionEvent(ctx, e)
	}
}
