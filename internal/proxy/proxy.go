// Package proxy forwards dashboard API calls to the finance API with the
// session's credentials.
package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	apperrors "github.com/orguetta/finely/pkg/errors"
	pkghttputil "github.com/orguetta/finely/pkg/httputil"
)

// strippedRequestHeaders never reach the finance API. The bearer token is
// added by the transport.
var strippedRequestHeaders = []string{"Authorization", "Cookie"}

// APIProxy is a reverse proxy to the finance API.
type APIProxy struct {
	rp        *httputil.ReverseProxy
	loginPath string
	logger    *slog.Logger
}

// New creates a proxy to target. transport is expected to be the session
// interceptor, which authorizes every request and retries once after a 401.
func New(target *url.URL, transport http.RoundTripper, loginPath string, logger *slog.Logger) *APIProxy {
	p := &APIProxy{loginPath: loginPath, logger: logger}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			for _, h := range strippedRequestHeaders {
				pr.Out.Header.Del(h)
			}
		},
		Transport: transport,
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Set-Cookie")
			return nil
		},
		ErrorHandler: p.errorHandler,
	}
	return p
}

// ServeHTTP implements http.Handler.
func (p *APIProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// errorHandler renders transport failures. Session-ending errors become 401
// SESSION_EXPIRED with a redirect to the login page; network errors 502.
func (p *APIProxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		p.logger.DebugContext(r.Context(), "client went away during proxy", slog.String("path", r.URL.Path))
		return
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		err = apperrors.Network(err)
	}
	p.logger.WarnContext(r.Context(), "proxy error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	pkghttputil.WriteSessionError(w, r, err, p.logger, p.loginPath)
}
