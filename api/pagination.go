package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// PaginationParams holds limit/offset query parameters
type PaginationParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PaginationResponse is a generic paginated response wrapper
type PaginationResponse struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// ParsePaginationParams extracts limit and offset from the query. Missing
// values take their defaults and limit is capped at maxLimit. A value that
// is not a valid integer is reported by field name.
func ParsePaginationParams(r *http.Request, defaultLimit, maxLimit int) (PaginationParams, string, bool) {
	params := PaginationParams{Limit: defaultLimit}
	q := r.URL.Query()

	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			return params, "limit", false
		}
		params.Limit = parsed
		if params.Limit > maxLimit {
			params.Limit = maxLimit
		}
	}
	if o := q.Get("offset"); o != "" {
		parsed, err := strconv.Atoi(o)
		if err != nil || parsed < 0 {
			return params, "offset", false
		}
		params.Offset = parsed
	}
	return params, "", true
}

// NewPaginationResponse creates a paginated response
func NewPaginationResponse(items interface{}, total int64, params PaginationParams) PaginationResponse {
	return PaginationResponse{
		Items:  items,
		Total:  total,
		Limit:  params.Limit,
		Offset: params.Offset,
	}
}
