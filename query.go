package audit

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Paging bounds and defaults.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	pageNumberParam = "pageNumber"
)

// FindRequest is a query for one page of a business object's events.
type FindRequest struct {
	BusinessObjectType string
	BusinessObjectID   uuid.UUID
	StartTime          *time.Time // inclusive
	EndTime            *time.Time // exclusive
	PageNumber         int
	PageSize           int
	SortOrder          string // asc or desc, any case; empty means asc
	SortBy             string // empty means timestamp
	// RequestURL is the absolute URL the query arrived on. The next-page link
	// is derived from it.
	RequestURL *url.URL
}

// PagingMetadata describes where a page sits in the filtered result set.
type PagingMetadata struct {
	PageNumber int     `json:"pageNumber"`
	PageSize   int     `json:"pageSize"`
	TotalCount int64   `json:"totalCount"`
	NextPage   *string `json:"nextPage"`
}

// Page is one page of events plus its paging metadata.
type Page struct {
	Events         []AuditEvent
	PagingMetadata PagingMetadata
}

// QueryEngine validates queries, runs them against a RecordStore and derives
// paging metadata.
type QueryEngine struct {
	store RecordStore
}

// NewQueryEngine returns a QueryEngine reading from store.
func NewQueryEngine(store RecordStore) *QueryEngine {
	return &QueryEngine{store: store}
}

// FindAuditEvents returns the requested page. Invalid parameters are rejected
// with a ValidationError before the store is touched.
func (q *QueryEngine) FindAuditEvents(ctx context.Context, req FindRequest) (Page, error) {
	pq, err := req.pageQuery()
	if err != nil {
		return Page{}, err
	}
	events, total, err := q.store.FindPage(ctx, pq)
	if err != nil {
		return Page{}, fmt.Errorf("find audit events: %w", err)
	}
	meta := PagingMetadata{
		PageNumber: req.PageNumber,
		PageSize:   req.PageSize,
		TotalCount: total,
	}
	if req.PageNumber < math.MaxInt && pageOffset(req.PageNumber+1, req.PageSize) < total {
		next := req.nextPageURL()
		meta.NextPage = &next
	}
	return Page{Events: events, PagingMetadata: meta}, nil
}

// pageQuery validates req and converts it to the store's scan parameters.
func (req FindRequest) pageQuery() (PageQuery, error) {
	if req.StartTime != nil && req.EndTime != nil && req.StartTime.After(*req.EndTime) {
		return PageQuery{}, NewValidationError("startTime cannot be greater than endTime")
	}
	dir := SortAsc
	if req.SortOrder != "" {
		d, err := ParseSortDirection(req.SortOrder)
		if err != nil {
			return PageQuery{}, err
		}
		dir = d
	}
	field := SortByTimestamp
	if req.SortBy != "" {
		f, err := ParseSortField(req.SortBy)
		if err != nil {
			return PageQuery{}, err
		}
		field = f
	}
	var msgs []string
	if req.PageNumber < 0 {
		msgs = append(msgs, "pageNumber must be greater than or equal to 0")
	}
	if req.PageSize < 1 {
		msgs = append(msgs, "pageSize must be greater than or equal to 1")
	} else if req.PageSize > MaxPageSize {
		msgs = append(msgs, fmt.Sprintf("pageSize must be less than or equal to %d", MaxPageSize))
	}
	if len(msgs) > 0 {
		return PageQuery{}, NewValidationError(msgs...)
	}
	return PageQuery{
		BusinessObjectType: req.BusinessObjectType,
		BusinessObjectID:   req.BusinessObjectID,
		Start:              req.StartTime,
		End:                req.EndTime,
		SortBy:             field,
		Direction:          dir,
		PageNumber:         req.PageNumber,
		PageSize:           req.PageSize,
	}, nil
}

func (req FindRequest) nextPageURL() string {
	next := strconv.Itoa(req.PageNumber + 1)
	if req.RequestURL == nil {
		return "?" + req.canonicalQuery(next)
	}
	u := *req.RequestURL
	u.RawQuery = replacePageNumber(u.RawQuery, next)
	u.ForceQuery = false
	return u.String()
}

// replacePageNumber sets pageNumber in a raw query string, keeping every
// other parameter in its original position and encoding. The parameter is
// appended when absent.
func replacePageNumber(rawQuery, value string) string {
	var parts []string
	if rawQuery != "" {
		parts = strings.Split(rawQuery, "&")
	}
	out := make([]string, 0, len(parts)+1)
	replaced := false
	for _, p := range parts {
		key := p
		if i := strings.IndexByte(p, '='); i >= 0 {
			key = p[:i]
		}
		if k, err := url.QueryUnescape(key); err == nil && k == pageNumberParam {
			if replaced {
				continue
			}
			out = append(out, pageNumberParam+"="+value)
			replaced = true
			continue
		}
		out = append(out, p)
	}
	if !replaced {
		out = append(out, pageNumberParam+"="+value)
	}
	return strings.Join(out, "&")
}

// canonicalQuery renders the request's parameters when no request URL is
// known.
func (req FindRequest) canonicalQuery(pageNumber string) string {
	var parts []string
	add := func(k, v string) { parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v)) }
	if req.StartTime != nil {
		add("startTime", req.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if req.EndTime != nil {
		add("endTime", req.EndTime.UTC().Format(time.RFC3339Nano))
	}
	add(pageNumberParam, pageNumber)
	add("pageSize", strconv.Itoa(req.PageSize))
	if req.SortOrder != "" {
		add("sortOrder", req.SortOrder)
	}
	if req.SortBy != "" {
		add("sortBy", req.SortBy)
	}
	return strings.Join(parts, "&")
}
