// Package interceptor attaches the session's bearer token to outgoing API
// requests and recovers from an expired token by refreshing once and
// replaying the request.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/orguetta/finely/pkg/errors"
	"github.com/orguetta/finely/pkg/logger"
)

// Retry outcomes.
const (
	outcomeSuccess       = "success"
	outcomeRefreshFailed = "refresh_failed"
	outcomeRejected      = "rejected"
)

var retriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "finely_interceptor_retries_total",
		Help: "Requests replayed after a 401, by outcome.",
	},
	[]string{"outcome"},
)

// TokenSource is the part of the session manager the interceptor reads
// through. The interceptor never writes credentials itself.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
	RefreshStale(ctx context.Context, stale string) (string, error)
}

// Transport is an http.RoundTripper that authorizes requests with the
// session's access token.
type Transport struct {
	base   http.RoundTripper
	tokens TokenSource
	logger *slog.Logger
}

// New wraps base. A nil base means http.DefaultTransport.
func New(base http.RoundTripper, tokens TokenSource, l *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if l == nil {
		l = logger.Discard()
	}
	return &Transport{base: base, tokens: tokens, logger: l}
}

// Wrap returns a decorator suitable for httpclient.WithRoundTripper.
func Wrap(tokens TokenSource, l *slog.Logger) func(http.RoundTripper) http.RoundTripper {
	return func(base http.RoundTripper) http.RoundTripper {
		return New(base, tokens, l)
	}
}

// RoundTrip sends req with a bearer token. A 401 triggers (or joins) one
// token refresh and a single replay of the identical request; a second 401,
// or a failed refresh, is AuthenticationFailed. Every other response is
// returned unchanged. Transport failures are NETWORK_ERROR and never retried.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := t.tokens.ValidToken(ctx)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, getBody, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	discard(resp)

	log := logger.WithContext(ctx, t.logger)
	log.DebugContext(ctx, "request unauthorized, refreshing token",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
	)

	fresh, err := t.tokens.RefreshStale(ctx, token)
	if err != nil {
		retriesTotal.WithLabelValues(outcomeRefreshFailed).Inc()
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, apperrors.AuthenticationFailed(err)
	}

	resp, err = t.send(req, getBody, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		retriesTotal.WithLabelValues(outcomeRejected).Inc()
		log.WarnContext(ctx, "retried request unauthorized again",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
		)
		return nil, apperrors.AuthenticationFailed(errors.New("request rejected after token refresh"))
	}

	retriesTotal.WithLabelValues(outcomeSuccess).Inc()
	return resp, nil
}

type bodyFunc func() (io.ReadCloser, error)

// send issues a copy of req carrying token. req itself is not modified.
func (t *Transport) send(req *http.Request, getBody bodyFunc, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
		out.GetBody = getBody
	}
	out.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.Network(err)
	}
	return resp, nil
}

// replayableBody returns a function producing a fresh copy of the request
// body, buffering it when the caller did not set GetBody. A nil result means
// the request has no body.
func replayableBody(req *http.Request) (bodyFunc, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
