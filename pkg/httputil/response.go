package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	apperrors "github.com/orguetta/finely/pkg/errors"
	"github.com/orguetta/finely/pkg/logger"
	"github.com/orguetta/finely/pkg/validator"
)

// DefaultLoginPath is where clients are sent when the session is gone.
const DefaultLoginPath = "/login"

const maxBodyBytes = 1 << 20

// Response is the JSON envelope written by the dashboard BFF.
type Response struct {
	Data     any            `json:"data,omitempty"`
	Error    *ErrorResponse `json:"error,omitempty"`
	Redirect string         `json:"redirect,omitempty"`
}

// ErrorResponse represents an error in the standard response format.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err using DefaultLoginPath for session-ending errors.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	WriteSessionError(w, r, err, fallback, DefaultLoginPath)
}

// WriteSessionError writes the error envelope for err. Errors that end the
// session also carry "redirect": loginPath so the browser can navigate to the
// login page with a "session expired" notice.
func WriteSessionError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger, loginPath string) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() {
		l = fallback
	}
	requestID := logger.CorrelationIDFromContext(r.Context())

	resp := Response{}
	if apperrors.EndsSession(err) {
		resp.Redirect = loginPath
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		// Anything that ended the session is presented to the browser the same way.
		if resp.Redirect != "" && appErr.Code != "SESSION_EXPIRED" {
			appErr = apperrors.AuthenticationFailed(err)
		}
		if appErr.Status >= http.StatusInternalServerError {
			l.ErrorContext(r.Context(), "upstream error",
				slog.String("error", err.Error()),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
		}
		resp.Error = &ErrorResponse{Code: appErr.Code, Message: appErr.Message, RequestID: requestID}
		WriteJSON(w, appErr.Status, resp)
		return
	}

	status := apperrors.HTTPStatus(err)
	code := "INTERNAL_ERROR"
	message := "an internal error occurred"

	switch {
	case resp.Redirect != "":
		session := apperrors.AuthenticationFailed(err)
		code, message, status = session.Code, session.Message, session.Status
	case errors.Is(err, apperrors.ErrNetwork):
		code, message = "NETWORK_ERROR", "Network Error"
	}

	if status == http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "internal error",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}

	resp.Error = &ErrorResponse{Code: code, Message: message, RequestID: requestID}
	WriteJSON(w, status, resp)
}

// WriteValidationError writes a 400 for a request body that failed decoding or
// struct validation. Validation failures list every offending field.
func WriteValidationError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := logger.CorrelationIDFromContext(r.Context())

	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		WriteJSON(w, http.StatusBadRequest, Response{
			Error: &ErrorResponse{
				Code:      "VALIDATION_ERROR",
				Message:   valErr.First(),
				Fields:    valErr.Fields(),
				RequestID: requestID,
			},
		})
		return
	}

	WriteJSON(w, http.StatusBadRequest, Response{
		Error: &ErrorResponse{Code: "INVALID_INPUT", Message: err.Error(), RequestID: requestID},
	})
}

// DecodeJSON decodes a bounded JSON request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
