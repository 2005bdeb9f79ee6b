package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/orguetta/finely/internal/authapi"
	"github.com/orguetta/finely/internal/finance"
	"github.com/orguetta/finely/pkg/httputil"
	"github.com/orguetta/finely/pkg/validator"
)

// Sessions is the part of the session manager the auth endpoints use.
type Sessions interface {
	SetTokens(ctx context.Context, access, refresh string) error
	Logout(ctx context.Context) error
	IsLoggedIn(ctx context.Context) bool
	Info(ctx context.Context) (userID, state string)
	Expiry() time.Time
	LoginPath() string
}

// Authenticator calls the finance API's token and registration endpoints.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (authapi.TokenPair, error)
	Register(ctx context.Context, req authapi.RegisterRequest) (*authapi.User, error)
}

// Account reads and edits the signed-in user's profile.
type Account interface {
	Me(ctx context.Context) (*finance.Profile, error)
	UpdateProfile(ctx context.Context, update finance.ProfileUpdate) (*finance.Profile, error)
	ChangePassword(ctx context.Context, change finance.PasswordChange) error
}

// AuthHandler serves the BFF's /auth endpoints.
type AuthHandler struct {
	sessions Sessions
	auth     Authenticator
	account  Account
	logger   *slog.Logger
}

// NewAuthHandler creates the auth endpoints.
func NewAuthHandler(sessions Sessions, auth Authenticator, account Account, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{sessions: sessions, auth: auth, account: account, logger: logger}
}

// StatusResponse describes the BFF session.
type StatusResponse struct {
	LoggedIn  bool       `json:"logged_in"`
	State     string     `json:"state"`
	UserID    string     `json:"user_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req authapi.Credentials
	if !h.decode(w, r, &req) {
		return
	}

	pair, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.sessions.SetTokens(r.Context(), pair.Access, pair.Refresh); err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: h.status(r.Context())})
}

// Register handles POST /auth/register. A successful signup logs in with the
// same credentials.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req authapi.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	pair, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.sessions.SetTokens(r.Context(), pair.Access, pair.Refresh); err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: map[string]any{
		"user":    user,
		"session": h.status(r.Context()),
	}})
}

// Logout handles POST /auth/logout. It succeeds even without a session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "logout could not clear the session store", slog.String("error", err.Error()))
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data:     h.status(r.Context()),
		Redirect: h.sessions.LoginPath(),
	})
}

// Status handles GET /auth/status.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.status(r.Context())
	resp := httputil.Response{Data: status}
	if !status.LoggedIn {
		resp.Redirect = h.sessions.LoginPath()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	profile, err := h.account.Me(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: profile})
}

// UpdateProfile handles PATCH /auth/profile.
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req finance.ProfileUpdate
	if !h.decode(w, r, &req) {
		return
	}
	profile, err := h.account.UpdateProfile(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: profile})
}

// ChangePassword handles POST /auth/change-password.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req finance.PasswordChange
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.account.ChangePassword(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: map[string]string{"message": "Password updated successfully"},
	})
}

// status checks IsLoggedIn first: it is what adopts a persisted session, so
// Info only reflects storage afterwards.
func (h *AuthHandler) status(ctx context.Context) StatusResponse {
	loggedIn := h.sessions.IsLoggedIn(ctx)
	userID, state := h.sessions.Info(ctx)
	status := StatusResponse{
		LoggedIn: loggedIn,
		State:    state,
		UserID:   userID,
	}
	if exp := h.sessions.Expiry(); status.LoggedIn && !exp.IsZero() {
		exp = exp.UTC()
		status.ExpiresAt = &exp
	}
	return status
}

// decode reads and validates a JSON body, writing the 400 itself on failure.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httputil.DecodeJSON(r, dst); err != nil {
		httputil.WriteValidationError(w, r, err)
		return false
	}
	if err := validator.Validate(dst); err != nil {
		httputil.WriteValidationError(w, r, err)
		return false
	}
	return true
}

func (h *AuthHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteSessionError(w, r, err, h.logger, h.sessions.LoginPath())
}
