package httpclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/orguetta/finely/pkg/errors"
)

const maxErrorBody = 1 << 20

// ParseResponseError reads the body of a non-2xx HTTP response and translates
// it into an AppError:
//
//	400       VALIDATION_ERROR with the first field message ("Bad Request" if none)
//	401       SESSION_EXPIRED
//	403       FORBIDDEN
//	404, 405  NOT_FOUND
//	other     UPSTREAM_ERROR carrying the original status
//
// The caller should only invoke this when resp.StatusCode is not 2xx.
// The response body is fully consumed and closed.
func ParseResponseError(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apperrors.Network(fmt.Errorf("read error body (status %d): %w", resp.StatusCode, err))
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return apperrors.Validation(FirstFieldError(body))
	case http.StatusUnauthorized:
		return apperrors.AuthenticationFailed(fmt.Errorf("upstream returned 401: %s", DetailMessage(body)))
	case http.StatusForbidden:
		return apperrors.Forbidden()
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return apperrors.NotFound()
	default:
		return apperrors.Upstream(resp.StatusCode, DetailMessage(body))
	}
}

// IsSuccess reports whether status is 2xx.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// FirstFieldError returns the first error message of a field-keyed error
// body such as {"email": ["Enter a valid email address."], "password": [...]}.
// Keys are visited in document order, which a map would not preserve. Only
// the first message is returned; the rest are discarded. An empty string
// means the body carried no field errors.
func FirstFieldError(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))

	tok, err := dec.Token()
	if err != nil {
		return ""
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ""
	}

	for dec.More() {
		if _, err := dec.Token(); err != nil { // key
			return ""
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return ""
		}
		if msg := firstMessage(raw); msg != "" {
			return msg
		}
	}
	return ""
}

// firstMessage digs the first non-empty string out of a field value, which
// may be a string, a list of strings, or nested serializer errors.
func firstMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if msg := firstMessage(item); msg != "" {
				return msg
			}
		}
		return ""
	}

	return FirstFieldError(raw)
}

// DetailMessage returns the "detail" (or "error") string of an error body,
// falling back to the first field message.
func DetailMessage(body []byte) string {
	var envelope struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Detail != "" {
			return envelope.Detail
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return FirstFieldError(body)
}
