package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads "limit" and "offset" query parameters, clamped to
// [1, MaxLimit] and >= 0.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// Page returns the window of items selected by p, and the total count.
func Page[T any](items []T, p Params) ([]T, int) {
	total := len(items)
	if p.Offset >= total {
		return []T{}, total
	}
	end := p.Offset + p.Limit
	if end > total || p.Limit <= 0 {
		end = total
	}
	return items[p.Offset:end], total
}

// SQL renders p as a LIMIT/OFFSET clause. A zero Limit selects every row.
func (p Params) SQL() string {
	if p.Limit <= 0 {
		return fmt.Sprintf("LIMIT ALL OFFSET %d", p.Offset)
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", p.Limit, p.Offset)
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page, never negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// SetLinkHeader writes an RFC 8288 Link header with next/prev relations
// for path.
func (p Params) SetLinkHeader(c echo.Context, path string, total int) {
	var links []string
	if p.HasNext(total) {
		links = append(links, fmt.Sprintf(`<%s?offset=%d&limit=%d>; rel="next"`, path, p.NextOffset(), p.Limit))
	}
	if p.Offset > 0 {
		links = append(links, fmt.Sprintf(`<%s?offset=%d&limit=%d>; rel="prev"`, path, p.PreviousOffset(), p.Limit))
	}
	for _, l := range links {
		c.Response().Header().Add("Link", l)
	}
}
