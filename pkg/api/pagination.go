package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/repo"
)

// defaultPageLimit applies when the caller sends no limit parameter.
const defaultPageLimit = 50

// parsePage reads ?limit and ?cursor. Lists are newest-first; the cursor is
// the created_at timestamp of the last item the caller saw. An explicit
// limit outside [1,200] is an error, including limit=0.
func parsePage(r *http.Request) (repo.Page, error) {
	page := repo.Page{Limit: defaultPageLimit}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > repo.MaxPageLimit {
			return repo.Page{}, errs.Validation(errs.CodeInvalidLimit,
				"Limit must be an integer between 1 and 200", map[string]any{"limit": raw})
		}
		page.Limit = n
	}

	if raw := q.Get("cursor"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return repo.Page{}, errs.Validation(errs.CodeInvalidCursor,
				"Cursor must be an ISO-8601 timestamp", map[string]any{"cursor": raw})
		}
		page.Cursor = ts
	}

	return page, nil
}

// nextCursor derives the follow-up cursor for a newest-first page. A short
// page means the listing is exhausted.
func nextCursor(n int, page repo.Page, createdAt func(i int) time.Time) string {
	if n == 0 || n < page.Limit {
		return ""
	}
	return createdAt(n - 1).UTC().Format(time.RFC3339Nano)
}
