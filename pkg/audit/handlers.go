package audit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/httputil"
	"github.com/learnhub/keystone/pkg/observability"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// Searcher finds stored audit events
type Searcher interface {
	Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error)
}

// SearchResponse is the body of an audit search
type SearchResponse struct {
	Events []*AuditEvent `json:"events"`
	Count  int           `json:"count"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// Handlers serves the audit trail over HTTP. Callers mount ListEvents behind
// their own authorization check.
type Handlers struct {
	searcher Searcher
	logger   logrus.FieldLogger
}

// NewHandlers creates new audit handlers
func NewHandlers(searcher Searcher, logger logrus.FieldLogger) *Handlers {
	return &Handlers{searcher: searcher, logger: logger}
}

// ListEvents handles GET requests for audit events, newest first
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.searcher.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("audit search failed")
		httputil.WriteInternalError(w)
		return
	}
	if events == nil {
		events = []*AuditEvent{}
	}

	_ = httputil.WriteSuccess(w, SearchResponse{
		Events: events,
		Count:  len(events),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// ParseFilter builds a SearchFilter from query parameters. Malformed values
// are rejected rather than ignored.
//
// Recognized parameters: start_time, end_time (RFC 3339), actor_id,
// target_user_id, organization_id, event_type (repeatable or comma
// separated), status, limit and offset.
func ParseFilter(query url.Values) (SearchFilter, error) {
	filter := SearchFilter{Limit: defaultSearchLimit}

	for name, dst := range map[string]**time.Time{"start_time": &filter.StartTime, "end_time": &filter.EndTime} {
		if raw := query.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return SearchFilter{}, fmt.Errorf("invalid %s: expected RFC 3339 timestamp", name)
			}
			*dst = &t
		}
	}

	for name, dst := range map[string]**int64{
		"actor_id":        &filter.ActorID,
		"target_user_id":  &filter.TargetUserID,
		"organization_id": &filter.OrganizationID,
	} {
		if raw := query.Get(name); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return SearchFilter{}, fmt.Errorf("invalid %s: expected a positive integer", name)
			}
			*dst = &id
		}
	}

	for _, raw := range query["event_type"] {
		for _, et := range strings.Split(raw, ",") {
			if et = strings.TrimSpace(et); et != "" {
				filter.EventTypes = append(filter.EventTypes, EventType(et))
			}
		}
	}

	if raw := query.Get("status"); raw != "" {
		status := EventStatus(raw)
		switch status {
		case EventStatusSuccess, EventStatusFailure, EventStatusDenied:
			filter.Status = &status
		default:
			return SearchFilter{}, fmt.Errorf("invalid status %q", raw)
		}
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return SearchFilter{}, fmt.Errorf("invalid limit: expected a positive integer")
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}
		filter.Limit = limit
	}

	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return SearchFilter{}, fmt.Errorf("invalid offset: expected a non-negative integer")
		}
		filter.Offset = offset
	}

	if filter.StartTime != nil && filter.EndTime != nil && filter.EndTime.Before(*filter.StartTime) {
		return SearchFilter{}, fmt.Errorf("end_time is before start_time")
	}

	return filter, nil
}
