// Package pagination provides page/limit pagination for list endpoints.
package pagination

import "strconv"

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Page is a parsed page request. Page is 1-based.
type Page struct {
	Page  int
	Limit int
}

// Parse reads page and limit query values, falling back to defaults for
// missing or invalid input and clamping limit to MaxLimit.
func Parse(page, limit string) Page {
	p := Page{Page: 1, Limit: DefaultLimit}
	if n, err := strconv.Atoi(page); err == nil && n > 0 {
		p.Page = n
	}
	if n, err := strconv.Atoi(limit); err == nil && n > 0 {
		p.Limit = n
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Meta describes a page of results.
type Meta struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// MetaFor builds the response metadata for total matching rows.
func (p Page) MetaFor(total int) Meta {
	pages := 0
	if total > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Meta{Total: total, Page: p.Page, Limit: p.Limit, Pages: pages}
}
