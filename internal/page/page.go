// Package page slices ordered sequences into numbered pages.
package page

import "encoding/json"

// Result is one page of an ordered sequence together with page metadata.
type Result[T any] struct {
	Items       []T
	Total       int
	Pages       int
	Page        int
	HasNext     bool
	HasPrevious bool
}

// Paginate returns page number page (1-based) of items, limit items per page.
// A page past the end yields no items but still reports the full totals.
// page and limit below 1 are treated as 1.
func Paginate[T any](items []T, page, limit int) Result[T] {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}

	total := len(items)
	pages := total / limit
	if total%limit != 0 {
		pages++
	}

	// Compare before multiplying so huge page numbers cannot overflow.
	start := total
	if page-1 < pages {
		start = (page - 1) * limit
	}
	end := start + min(limit, total-start)

	out := make([]T, end-start)
	copy(out, items[start:end])

	return Result[T]{
		Items:       out,
		Total:       total,
		Pages:       pages,
		Page:        page,
		HasNext:     page < pages,
		HasPrevious: page > 1 && total > 0,
	}
}

type resultJSON[T any] struct {
	Results     []T  `json:"results"`
	Total       int  `json:"total"`
	Pages       int  `json:"pages"`
	CurrentPage int  `json:"currentPage"`
	Next        *int `json:"next,omitempty"`
	Previous    *int `json:"previous,omitempty"`
}

// MarshalJSON renders the wire form {results, total, pages, currentPage,
// next?, previous?}.
func (r Result[T]) MarshalJSON() ([]byte, error) {
	out := resultJSON[T]{
		Results:     r.Items,
		Total:       r.Total,
		Pages:       r.Pages,
		CurrentPage: r.Page,
	}
	if out.Results == nil {
		out.Results = []T{}
	}
	if r.HasNext {
		next := r.Page + 1
		out.Next = &next
	}
	if r.HasPrevious {
		prev := min(r.Page-1, r.Pages)
		out.Previous = &prev
	}
	return json.Marshal(out)
}
