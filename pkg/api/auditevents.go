package api

import (
	"net/http"
	"time"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/security"
)

type auditEventListResponse struct {
	Events     []*audit.Event `json:"events"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// listAuditEvents pages the tenant's audit trail newest-first. A from/to
// window (both RFC 3339, provided together) switches to a range query capped
// at the page limit.
func (s *Server) listAuditEvents(r *http.Request) (int, any, error) {
	tc, err := s.authorize(r, security.OpAuditRead, security.Class1Internal, "", "")
	if err != nil {
		return 0, nil, err
	}
	page, err := parsePage(r)
	if err != nil {
		return 0, nil, err
	}

	fromRaw := r.URL.Query().Get("from")
	toRaw := r.URL.Query().Get("to")
	if (fromRaw == "") != (toRaw == "") {
		return 0, nil, errs.Validation(errs.CodeInvalidRequest,
			"from and to must be provided together", nil)
	}
	if fromRaw != "" {
		from, ferr := time.Parse(time.RFC3339Nano, fromRaw)
		to, terr := time.Parse(time.RFC3339Nano, toRaw)
		if ferr != nil || terr != nil || to.Before(from) {
			return 0, nil, errs.Validation(errs.CodeInvalidRequest,
				"from and to must be RFC 3339 timestamps with from <= to", nil)
		}
		events, err := s.stores.AuditLog.Query(r.Context(), tc.TenantID, from, to)
		if err != nil {
			return 0, nil, errs.Wrap(errs.CodeInternal, "Querying audit events failed", err)
		}
		if len(events) > page.Limit {
			events = events[:page.Limit]
		}
		return http.StatusOK, auditEventListResponse{Events: events}, nil
	}

	events, err := s.stores.AuditLog.List(r.Context(), tc.TenantID, page)
	if err != nil {
		return 0, nil, errs.Wrap(errs.CodeInternal, "Listing audit events failed", err)
	}
	return http.StatusOK, auditEventListResponse{
		Events:     events,
		NextCursor: nextCursor(len(events), page, func(i int) time.Time { return events[i].OccurredAt }),
	}, nil
}
