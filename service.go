package audit

import (
	"context"

	"github.com/google/uuid"
)

// Publisher accepts events for asynchronous persistence.
type Publisher interface {
	Publish(ctx context.Context, e AuditEvent) (AuditEvent, error)
}

// Service is the entry point for submitting and reading audit events. Every
// operation is authorized first; a denial returns before anything else runs.
type Service struct {
	auth      Authorizer
	publisher Publisher
	query     *QueryEngine
}

// NewService wires a Service. A nil Authorizer allows everything.
func NewService(auth Authorizer, publisher Publisher, query *QueryEngine) *Service {
	if auth == nil {
		auth = AllowAll
	}
	return &Service{auth: auth, publisher: publisher, query: query}
}

// Submit validates and maps req, fills request context gaps from ctx and
// publishes the event. It returns the event id assigned by the pipeline.
func (s *Service) Submit(ctx context.Context, boType string, boID uuid.UUID, req AuditEventRequest) (uuid.UUID, error) {
	if err := s.auth.Authorize(ctx, ActionCreate, ResourceAuditEvent); err != nil {
		return uuid.Nil, err
	}
	if err := ValidateRequest(boType, req); err != nil {
		return uuid.Nil, err
	}
	e, err := ToStoredEvent(boID, boType, req)
	if err != nil {
		return uuid.Nil, err
	}
	e.RequestContext = EnrichRequestContext(ctx, e.RequestContext)
	published, err := s.publisher.Publish(ctx, e)
	if err != nil {
		return uuid.Nil, err
	}
	return published.EventID, nil
}

// QueryResult is a page of events in response form.
type QueryResult struct {
	Events         []AuditEventResponse `json:"events"`
	PagingMetadata PagingMetadata       `json:"pagingMetadata"`
}

// Query returns one page of a business object's events.
func (s *Service) Query(ctx context.Context, req FindRequest) (QueryResult, error) {
	if err := s.auth.Authorize(ctx, ActionView, ResourceAuditEvent); err != nil {
		return QueryResult{}, err
	}
	page, err := s.query.FindAuditEvents(ctx, req)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{
		Events:         FromStoredEvents(page.Events),
		PagingMetadata: page.PagingMetadata,
	}, nil
}
