package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the session lifecycle and the upstream API classifications.
var (
	ErrMalformedToken       = errors.New("malformed token")
	ErrNoRefreshToken       = errors.New("no refresh token available")
	ErrRefreshFailed        = errors.New("failed to refresh access token")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotLoggedIn          = errors.New("not logged in")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrValidation           = errors.New("validation failed")
	ErrForbidden            = errors.New("access forbidden")
	ErrNotFound             = errors.New("not found")
	ErrNetwork              = errors.New("network error")
	ErrUpstream             = errors.New("upstream error")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// MalformedToken is returned when a token payload cannot be decoded.
func MalformedToken(cause error) *AppError {
	return &AppError{
		Code:    "MALFORMED_TOKEN",
		Message: "token payload could not be decoded",
		Status:  http.StatusUnauthorized,
		Err:     errors.Join(ErrMalformedToken, cause),
	}
}

// NoRefreshToken is returned when a refresh is attempted without a stored refresh token.
func NoRefreshToken() *AppError {
	return &AppError{
		Code:    "NO_REFRESH_TOKEN",
		Message: "no refresh token available",
		Status:  http.StatusUnauthorized,
		Err:     ErrNoRefreshToken,
	}
}

// RefreshFailed is returned when the refresh endpoint rejects the refresh token
// or the refresh call cannot complete.
func RefreshFailed(cause error) *AppError {
	return &AppError{
		Code:    "REFRESH_FAILED",
		Message: "failed to refresh access token",
		Status:  http.StatusUnauthorized,
		Err:     errors.Join(ErrRefreshFailed, cause),
	}
}

// AuthenticationFailed is returned to callers whose request could not be
// authorized, either because the refresh failed or because the retried
// request was rejected again.
func AuthenticationFailed(cause error) *AppError {
	return &AppError{
		Code:    "SESSION_EXPIRED",
		Message: "Session expired. Please login again.",
		Status:  http.StatusUnauthorized,
		Err:     errors.Join(ErrAuthenticationFailed, cause),
	}
}

// NotLoggedIn is returned when no credentials exist at all.
func NotLoggedIn() *AppError {
	return &AppError{
		Code:    "NOT_LOGGED_IN",
		Message: "no active session",
		Status:  http.StatusUnauthorized,
		Err:     ErrNotLoggedIn,
	}
}

// InvalidCredentials is returned when the token endpoint rejects a login.
func InvalidCredentials() *AppError {
	return &AppError{
		Code:    "INVALID_CREDENTIALS",
		Message: "Invalid credentials",
		Status:  http.StatusUnauthorized,
		Err:     ErrInvalidCredentials,
	}
}

// Validation creates a 400 error carrying the message to display.
func Validation(message string) *AppError {
	if message == "" {
		message = "Bad Request"
	}
	return &AppError{
		Code:    "VALIDATION_ERROR",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrValidation,
	}
}

// Forbidden creates a 403 error.
func Forbidden() *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: "Access forbidden",
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// NotFound creates a 404 error. 405 responses map here as well.
func NotFound() *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: "Not Found",
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// Network wraps a transport-level failure where no response was received.
func Network(cause error) *AppError {
	return &AppError{
		Code:    "NETWORK_ERROR",
		Message: "Network Error",
		Status:  http.StatusBadGateway,
		Err:     errors.Join(ErrNetwork, cause),
	}
}

// Upstream carries any other non-2xx status through to the caller unchanged.
func Upstream(status int, message string) *AppError {
	if message == "" {
		message = http.StatusText(status)
	}
	return &AppError{
		Code:    "UPSTREAM_ERROR",
		Message: message,
		Status:  status,
		Err:     ErrUpstream,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// EndsSession reports whether err means the caller has to log in again.
func EndsSession(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrRefreshFailed) ||
		errors.Is(err, ErrNoRefreshToken) ||
		errors.Is(err, ErrNotLoggedIn) ||
		errors.Is(err, ErrMalformedToken)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case EndsSession(err), errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
