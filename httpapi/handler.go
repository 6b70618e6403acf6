package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	audit "github.com/dsgov-acme/devstream-audit-service"
)

const (
	eventsPattern = "/api/v1/audit-events/{businessObjectType}/{businessObjectId}"
	maxBodyBytes  = 1 << 20
)

// Service defines the audit operations exposed over HTTP.
type Service interface {
	Submit(ctx context.Context, boType string, boID uuid.UUID, req audit.AuditEventRequest) (uuid.UUID, error)
	Query(ctx context.Context, req audit.FindRequest) (audit.QueryResult, error)
}

// Handler serves the audit event endpoints.
type Handler struct {
	svc     Service
	logger  *zap.Logger
	baseURL *url.URL
}

// New creates a Handler. baseURL is the public origin used for next-page
// links; when empty the origin of each inbound request is used.
func New(svc Service, logger *zap.Logger, baseURL string) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{svc: svc, logger: logger}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if !u.IsAbs() || u.Host == "" {
			return nil, fmt.Errorf("base url %q must be absolute", baseURL)
		}
		h.baseURL = u
	}
	return h, nil
}

// Register registers the audit event routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post(eventsPattern, h.handleSubmit)
	r.Get(eventsPattern, h.handleQuery)
}

type submitResponse struct {
	EventID uuid.UUID `json:"eventId"`
}

type errorResponse struct {
	Messages []string `json:"messages"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	boType := chi.URLParam(r, "businessObjectType")
	boID, err := uuid.Parse(chi.URLParam(r, "businessObjectId"))
	if err != nil {
		h.writeBadRequest(w, r, "businessObjectId must be a UUID")
		return
	}

	var req audit.AuditEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.Warn("invalid audit event request",
			zap.String("request_id", audit.RequestIDFrom(ctx)),
			zap.Error(err),
		)
		h.writeBadRequest(w, r, "malformed request body")
		return
	}

	id, err := h.svc.Submit(ctx, boType, boID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{EventID: id})
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	boID, err := uuid.Parse(chi.URLParam(r, "businessObjectId"))
	if err != nil {
		h.writeBadRequest(w, r, "businessObjectId must be a UUID")
		return
	}
	q := r.URL.Query()
	req := audit.FindRequest{
		BusinessObjectType: chi.URLParam(r, "businessObjectType"),
		BusinessObjectID:   boID,
		PageSize:           audit.DefaultPageSize,
		SortOrder:          q.Get("sortOrder"),
		SortBy:             q.Get("sortBy"),
		RequestURL:         h.requestURL(r),
	}

	var msgs []string
	if req.StartTime, err = parseTime(q, "startTime"); err != nil {
		msgs = append(msgs, err.Error())
	}
	if req.EndTime, err = parseTime(q, "endTime"); err != nil {
		msgs = append(msgs, err.Error())
	}
	if req.PageNumber, err = parseInt(q, "pageNumber", 0); err != nil {
		msgs = append(msgs, err.Error())
	}
	if req.PageSize, err = parseInt(q, "pageSize", audit.DefaultPageSize); err != nil {
		msgs = append(msgs, err.Error())
	}
	if len(msgs) > 0 {
		h.writeBadRequest(w, r, msgs...)
		return
	}

	res, err := h.svc.Query(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// requestURL returns the absolute URL the request arrived on, rebased onto
// the configured public origin when there is one.
func (h *Handler) requestURL(r *http.Request) *url.URL {
	u := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	if h.baseURL != nil {
		u.Scheme = h.baseURL.Scheme
		u.Host = h.baseURL.Host
		if prefix := strings.TrimSuffix(h.baseURL.Path, "/"); prefix != "" {
			u.Path = prefix + u.Path
			u.RawPath = ""
		}
		return u
	}
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		u.Scheme = proto
	}
	u.Host = r.Host
	return u
}

// parseTime reads an RFC 3339 query value. An unencoded "+" in the offset
// arrives as a space and is restored.
func parseTime(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, strings.ReplaceAll(v, " ", "+"))
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}

func parseInt(q url.Values, key string, def int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// writeError maps service errors to responses. Anything that is neither a
// validation failure nor an access denial is logged and reported as a 500
// without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *audit.ValidationError
	switch {
	case errors.As(err, &ve):
		h.writeBadRequest(w, r, ve.Messages...)
	case errors.Is(err, audit.ErrAccessDenied):
		h.logger.Info("access denied",
			zap.String("request_id", audit.RequestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		w.WriteHeader(http.StatusForbidden)
	default:
		h.logger.Error("audit request failed",
			zap.String("request_id", audit.RequestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Messages: []string{"internal error"}})
	}
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, r *http.Request, msgs ...string) {
	h.logger.Debug("rejected audit request",
		zap.String("request_id", audit.RequestIDFrom(r.Context())),
		zap.Strings("messages", msgs),
	)
	writeJSON(w, http.StatusBadRequest, errorResponse{Messages: msgs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
