// Package authapi calls the finance API's token and registration endpoints.
// These calls carry no bearer token.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/orguetta/finely/pkg/errors"
	"github.com/orguetta/finely/pkg/httpclient"
	"github.com/orguetta/finely/pkg/logger"
	"github.com/orguetta/finely/pkg/validator"
)

const (
	tokenPath    = "/api/token/"
	refreshPath  = "/api/token/refresh/"
	registerPath = "/api/v1/register/"

	maxResponseBody = 1 << 20
)

// TokenPair is the response of the token endpoint.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Credentials are the login form fields.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest is the signup form. The API's username is the email.
type RegisterRequest struct {
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

// User is the account returned by registration and /me.
type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Client talks to the unauthenticated auth endpoints.
type Client struct {
	http    httpclient.Doer
	baseURL string
	logger  *slog.Logger
}

// New creates a client for the API at baseURL.
func New(doer httpclient.Doer, baseURL string, l *slog.Logger) *Client {
	if l == nil {
		l = logger.Discard()
	}
	return &Client{http: doer, baseURL: strings.TrimRight(baseURL, "/"), logger: l}
}

// Login exchanges credentials for a token pair. Any non-2xx answer is
// InvalidCredentials.
func (c *Client) Login(ctx context.Context, email, password string) (TokenPair, error) {
	creds := Credentials{Email: email, Password: password}
	if err := validate(creds); err != nil {
		return TokenPair{}, err
	}

	resp, err := c.post(ctx, tokenPath, creds)
	if err != nil {
		return TokenPair{}, err
	}
	defer drain(resp)

	if !httpclient.IsSuccess(resp.StatusCode) {
		c.logger.InfoContext(ctx, "login rejected", slog.Int("status", resp.StatusCode))
		return TokenPair{}, apperrors.InvalidCredentials()
	}

	var pair TokenPair
	if err := decode(resp, &pair); err != nil {
		return TokenPair{}, err
	}
	if pair.Access == "" || pair.Refresh == "" {
		return TokenPair{}, apperrors.MalformedToken(errors.New("token response missing access or refresh"))
	}
	return pair, nil
}

// Refresh exchanges a refresh token for a new access token. A non-2xx
// answer is RefreshFailed.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	resp, err := c.post(ctx, refreshPath, map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if !httpclient.IsSuccess(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return "", apperrors.RefreshFailed(apperrors.Upstream(resp.StatusCode, httpclient.DetailMessage(body)))
	}

	var out struct {
		Access string `json:"access"`
	}
	if err := decode(resp, &out); err != nil {
		return "", apperrors.RefreshFailed(err)
	}
	if out.Access == "" {
		return "", apperrors.RefreshFailed(errors.New("refresh response missing access token"))
	}
	return out.Access, nil
}

// Register creates an account. A 400 carries the API's first field message;
// other failures carry its detail or "Registration failed".
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	payload := struct {
		Username        string `json:"username"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirm_password"`
	}{req.Email, req.Email, req.Password, req.ConfirmPassword}

	resp, err := c.post(ctx, registerPath, payload)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if !httpclient.IsSuccess(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if resp.StatusCode == http.StatusBadRequest {
			return nil, apperrors.Validation(httpclient.FirstFieldError(body))
		}
		msg := httpclient.DetailMessage(body)
		if msg == "" {
			msg = "Registration failed"
		}
		return nil, apperrors.Upstream(resp.StatusCode, msg)
	}

	var user User
	if err := decode(resp, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.http.Do(ctx, req)
}

func validate(v any) error {
	err := validator.Validate(v)
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		return apperrors.Validation(valErr.First())
	}
	return err
}

func decode(resp *http.Response, dst any) error {
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	_ = resp.Body.Close()
}
