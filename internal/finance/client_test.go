package finance

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/orguetta/finely/pkg/errors"
	"github.com/orguetta/finely/pkg/httpclient"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(httpclient.New(httpclient.DefaultConfig()), srv.URL+"/")
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestTransactions_ListDecodesPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/transactions/", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		writeJSON(w, http.StatusOK, `{
			"count": 101,
			"next": null,
			"previous": "http://api/api/v1/transactions/",
			"results": [{"id": 7, "user": 1, "title": "Rent", "amount": "1200.00", "type": "expense",
				"category": 3, "transaction_date": "2026-10-01",
				"created_at": "2026-10-01T08:00:00Z", "updated_at": "2026-10-01T08:00:00Z"}]
		}`)
	})

	page, err := c.Transactions().List(t.Context(), 2)
	require.NoError(t, err)
	assert.Equal(t, 101, page.Count)
	assert.False(t, page.HasNext())
	require.Len(t, page.Results, 1)

	tx := page.Results[0]
	assert.Equal(t, "Rent", tx.Title)
	assert.Equal(t, "1200.00", tx.Amount)
	require.NotNil(t, tx.Category)
	assert.Equal(t, 3, *tx.Category)
}

func TestResource_FirstPageHasNoQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		writeJSON(w, http.StatusOK, `{"count":0,"next":null,"previous":null,"results":[]}`)
	})

	page, err := c.Categories().List(t.Context(), 1)
	require.NoError(t, err)
	assert.Empty(t, page.Results)
}

func TestResource_AllFollowsPages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			writeJSON(w, http.StatusOK, `{"count":2,"next":"http://api/api/v1/categories/?page=2","previous":null,
				"results":[{"id":1,"name":"Salary","type":"income","user":null}]}`)
		case "2":
			writeJSON(w, http.StatusOK, `{"count":2,"next":null,"previous":"http://api/api/v1/categories/",
				"results":[{"id":2,"name":"Food","type":"expense","user":4}]}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})

	all, err := c.Categories().All(t.Context())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Nil(t, all[0].User)
	assert.Equal(t, "Food", all[1].Name)
}

func TestBudgets_CreateSendsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/budgets/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"category": 3.0, "month": 10.0, "year": 2026.0, "amount_limit": "500.00"}, body)
		writeJSON(w, http.StatusCreated, `{"id":9,"user":1,"category":3,"month":10,"year":2026,"amount_limit":"500.00"}`)
	})

	b, err := c.Budgets().Create(t.Context(), &Budget{Category: 3, Month: 10, Year: 2026, AmountLimit: "500.00"})
	require.NoError(t, err)
	assert.Equal(t, 9, b.ID)
}

func TestResource_CreateValidatesLocally(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("invalid input must not reach the API")
	})

	_, err := c.Budgets().Create(t.Context(), &Budget{Category: 3, Month: 13, Year: 2026, AmountLimit: "5"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Contains(t, err.Error(), "month")

	_, err = c.Transactions().Create(t.Context(), &Transaction{Title: "x", Amount: "ten", Type: TypeExpense, TransactionDate: "2026-10-01"})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = c.Transactions().Create(t.Context(), &Transaction{Title: "x", Amount: "10", Type: TypeExpense, TransactionDate: "01/10/2026"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestResource_UpdateAndDelete(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":5,"name":"Travel","type":"expense","user":1}`)
	})

	cat, err := c.Categories().Update(t.Context(), 5, &Category{Name: "Travel", Type: TypeExpense})
	require.NoError(t, err)
	assert.Equal(t, "Travel", cat.Name)
	require.NoError(t, c.Categories().Delete(t.Context(), 5))

	assert.Equal(t, []string{"PUT /api/v1/categories/5/", "DELETE /api/v1/categories/5/"}, calls)
}

func TestResource_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusBadRequest, `{"category":["Invalid pk \"99\" - object does not exist."]}`, apperrors.ErrValidation},
		{http.StatusForbidden, `{"detail":"You do not have permission to perform this action."}`, apperrors.ErrForbidden},
		{http.StatusNotFound, `{"detail":"No Transaction matches the given query."}`, apperrors.ErrNotFound},
		{http.StatusInternalServerError, `oops`, apperrors.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := c.Transactions().Get(t.Context(), 99)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/me/", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"id":1,"email":"ada@example.com","first_name":"Ada","last_name":"Lovelace",
			"phone_number":"","location":"London","bio":"","department":"engineering","role":"employee"}`)
	})

	p, err := c.Me(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", p.Email)
	assert.Equal(t, "engineering", p.Department)
}

func TestUpdateProfile_SendsOnlySetFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/v1/profile/update/", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"location": "Paris"}, body)
		writeJSON(w, http.StatusOK, `{"id":1,"email":"ada@example.com","location":"Paris"}`)
	})

	loc := "Paris"
	p, err := c.UpdateProfile(t.Context(), ProfileUpdate{Location: &loc})
	require.NoError(t, err)
	assert.Equal(t, "Paris", p.Location)
}

func TestChangePassword(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/profile/change-password/", r.URL.Path)
			writeJSON(w, http.StatusOK, `{"message":"Password updated successfully"}`)
		})

		err := c.ChangePassword(t.Context(), PasswordChange{CurrentPassword: "old", NewPassword: "new-secret", ConfirmPassword: "new-secret"})
		require.NoError(t, err)
	})

	t.Run("wrong current password", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusBadRequest, `{"error":"Current password is incorrect"}`)
		})

		err := c.ChangePassword(t.Context(), PasswordChange{CurrentPassword: "bad", NewPassword: "new-secret", ConfirmPassword: "new-secret"})
		require.ErrorIs(t, err, apperrors.ErrValidation)
		assert.Contains(t, err.Error(), "Current password is incorrect")
	})

	t.Run("mismatch stays local", func(t *testing.T) {
		c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
			t.Error("mismatched passwords must not reach the API")
		})

		err := c.ChangePassword(t.Context(), PasswordChange{CurrentPassword: "old", NewPassword: "new-secret", ConfirmPassword: "other-secret"})
		require.ErrorIs(t, err, apperrors.ErrValidation)
		assert.Contains(t, err.Error(), "Passwords do not match.")
	})
}
