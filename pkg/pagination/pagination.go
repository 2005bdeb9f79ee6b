// Package pagination models the finance API's page-number pagination.
package pagination

import (
	"net/url"
	"strconv"
)

// PageSize is the server's fixed page size.
const PageSize = 100

// Page is one page of a list endpoint. Next and Previous are absolute URLs,
// or nil at either end.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// HasNext reports whether another page follows.
func (p *Page[T]) HasNext() bool {
	return p.Next != nil && *p.Next != ""
}

// NextPage returns the page number of the Next link. The first page has no
// "page" parameter, so a link without one means page 1.
func (p *Page[T]) NextPage() (int, bool) {
	if !p.HasNext() {
		return 0, false
	}
	return PageNumber(*p.Next)
}

// TotalPages is the number of pages holding Count items.
func (p *Page[T]) TotalPages() int {
	return (p.Count + PageSize - 1) / PageSize
}

// PageNumber extracts the "page" query parameter of link.
func PageNumber(link string) (int, bool) {
	u, err := url.Parse(link)
	if err != nil {
		return 0, false
	}
	raw := u.Query().Get("page")
	if raw == "" {
		return 1, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Query returns the query string selecting page, empty for the first page.
func Query(page int) string {
	if page <= 1 {
		return ""
	}
	return url.Values{"page": {strconv.Itoa(page)}}.Encode()
}
