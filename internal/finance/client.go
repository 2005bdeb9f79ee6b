// Package finance is a typed client for the finance API's resource
// endpoints. Requests are authorized by the transport the client is built
// on, normally the session interceptor behind a circuit breaker.
package finance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/orguetta/finely/pkg/errors"
	"github.com/orguetta/finely/pkg/httpclient"
	"github.com/orguetta/finely/pkg/pagination"
	"github.com/orguetta/finely/pkg/validator"
)

const (
	apiPrefix       = "/api/v1/"
	maxResponseBody = 4 << 20
)

// Client calls /api/v1/ on the finance API.
type Client struct {
	http    httpclient.Doer
	baseURL string
}

// New creates a client for the API at baseURL.
func New(doer httpclient.Doer, baseURL string) *Client {
	return &Client{http: doer, baseURL: strings.TrimRight(baseURL, "/")}
}

// Categories returns the category resource.
func (c *Client) Categories() *Resource[Category] {
	return &Resource[Category]{c: c, path: "categories/"}
}

// Transactions returns the transaction resource.
func (c *Client) Transactions() *Resource[Transaction] {
	return &Resource[Transaction]{c: c, path: "transactions/"}
}

// Budgets returns the budget resource. Creating a budget for a category and
// month that already has one updates the existing budget.
func (c *Client) Budgets() *Resource[Budget] {
	return &Resource[Budget]{c: c, path: "budgets/"}
}

// Me returns the signed-in user's profile.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "me/", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile changes the given profile fields.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*Profile, error) {
	if err := validate(update); err != nil {
		return nil, err
	}
	var p Profile
	if err := c.do(ctx, http.MethodPatch, "profile/update/", update, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ChangePassword changes the signed-in user's password.
func (c *Client) ChangePassword(ctx context.Context, change PasswordChange) error {
	if err := validate(change); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "profile/change-password/", change, nil)
}

// Resource is one REST collection under /api/v1/.
type Resource[T any] struct {
	c    *Client
	path string
}

// List returns one page (1-based) of the collection.
func (r *Resource[T]) List(ctx context.Context, page int) (*pagination.Page[T], error) {
	path := r.path
	if q := pagination.Query(page); q != "" {
		path += "?" + q
	}
	var out pagination.Page[T]
	if err := r.c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// All walks the collection by following each page's next link.
func (r *Resource[T]) All(ctx context.Context) ([]T, error) {
	var all []T
	page := 1
	for {
		p, err := r.List(ctx, page)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Results...)

		next, ok := p.NextPage()
		if !ok {
			return all, nil
		}
		if next <= page {
			return nil, fmt.Errorf("list %s: next link does not advance past page %d", r.path, page)
		}
		page = next
	}
}

// Get fetches one item.
func (r *Resource[T]) Get(ctx context.Context, id int) (*T, error) {
	var out T
	if err := r.c.do(ctx, http.MethodGet, r.item(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create validates and creates an item.
func (r *Resource[T]) Create(ctx context.Context, item *T) (*T, error) {
	if err := validate(item); err != nil {
		return nil, err
	}
	var out T
	if err := r.c.do(ctx, http.MethodPost, r.path, item, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update validates and replaces an item.
func (r *Resource[T]) Update(ctx context.Context, id int, item *T) (*T, error) {
	if err := validate(item); err != nil {
		return nil, err
	}
	var out T
	if err := r.c.do(ctx, http.MethodPut, r.item(id), item, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes an item.
func (r *Resource[T]) Delete(ctx context.Context, id int) error {
	return r.c.do(ctx, http.MethodDelete, r.item(id), nil, nil)
}

func (r *Resource[T]) item(id int) string {
	return r.path + strconv.Itoa(id) + "/"
}

// do sends one request and decodes a 2xx body into out (if non-nil).
// Non-2xx responses are classified by httpclient.ParseResponseError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return fmt.Errorf("create %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return err
	}
	if !httpclient.IsSuccess(resp.StatusCode) {
		return httpclient.ParseResponseError(resp)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func validate(v any) error {
	err := validator.Validate(v)
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		return apperrors.Validation(valErr.First())
	}
	return err
}
