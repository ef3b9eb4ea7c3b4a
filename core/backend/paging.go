package backend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// DefaultLimit is the page size of lists without limit parameter
const DefaultLimit = 25

// MaxLimit is the largest page size a client can request
const MaxLimit = 1000

// pagination is the requested page of a list. Page is zero based, negative pages count
// from the end.
type pagination struct {
	Limit int
	Page  int
}

// parsePagination reads the limit and page query parameters of r
func parsePagination(r *http.Request) (pagination, error) {
	p := pagination{Limit: DefaultLimit}
	query := r.URL.Query()
	if value := query.Get("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 1 || limit > MaxLimit {
			return p, errorf(http.StatusBadRequest, "parameter 'limit': must be between 1 and %d", MaxLimit)
		}
		p.Limit = limit
	}
	if value := query.Get("page"); value != "" {
		page, err := strconv.Atoi(value)
		if err != nil {
			return p, newError(http.StatusBadRequest, "parameter 'page': must be an integer")
		}
		p.Page = page
	}
	return p, nil
}

// resolve turns a negative page into a page counted from the end of total items
func (p pagination) resolve(total int) pagination {
	if p.Page < 0 {
		p.Page = total/p.Limit + p.Page
		if p.Page < 0 {
			p.Page = 0
		}
	}
	return p
}

// scanner is satisfied by sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// paginate counts the rows selected by from with args, and returns the requested page of
// them. from is everything after the select list, without ORDER BY. Lists without items
// are answered with 404.
func paginate[T any](ctx context.Context, q queryer, p pagination, columns, from, orderBy string, args []interface{}, scan func(scanner) (T, error)) (*Paged[T], error) {
	var total int
	if err := q.QueryRowContext(ctx, "SELECT count(*) "+from+";", args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	if total == 0 {
		return nil, newError(http.StatusNotFound, "No items found")
	}
	p = p.resolve(total)

	query := fmt.Sprintf("SELECT %s %s %s LIMIT $%d OFFSET $%d;", columns, from, orderBy, len(args)+1, len(args)+2)
	rows, err := q.QueryContext(ctx, query, append(args, p.Limit, p.Page*p.Limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Paged[T]{Items: items, Total: total, Page: p.Page, Limit: p.Limit}, nil
}

// writePaged answers a page with the pagination headers
func writePaged[T any](w http.ResponseWriter, status int, page *Paged[T]) {
	w.Header().Set("Pagination-Limit", strconv.Itoa(page.Limit))
	w.Header().Set("Pagination-Total-Count", strconv.Itoa(page.Total))
	w.Header().Set("Pagination-Page-Count", strconv.Itoa(((page.Total-1)/page.Limit)+1))
	w.Header().Set("Pagination-Current-Page", strconv.Itoa(page.Page))
	writeJSON(w, status, page)
}
