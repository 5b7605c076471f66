package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/coordinator"
	"github.com/JakeFAU/scrapecache/internal/id/uuid"
	"github.com/JakeFAU/scrapecache/internal/search"
)

type searchRequest struct {
	Query string `json:"query"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Success    bool            `json:"success"`
	Source     search.Source   `json:"source"`
	Cached     bool            `json:"cached"`
	Records    []search.Record `json:"records"`
	Count      int             `json:"count"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	DurationMs int64           `json:"durationMs"`
}

type queuedResponse struct {
	Success bool             `json:"success"`
	BatchID string           `json:"batchId"`
	Status  search.JobStatus `json:"status"`
}

type jobResponse struct {
	Success   bool             `json:"success"`
	BatchID   string           `json:"batchId"`
	Status    search.JobStatus `json:"status"`
	Query     string           `json:"query"`
	Page      int              `json:"page"`
	Limit     int              `json:"limit"`
	Priority  search.Priority  `json:"priority"`
	Attempt   int              `json:"attempt"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Records   []search.Record  `json:"records,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// searchSync handles GET /v1/search?q=&page=&limit= and POST /v1/search.
func (s *Server) searchSync(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identify(r)
	if !ok {
		writeError(w, search.Unauthorized())
		return
	}
	req, err := s.decodeSearch(r)
	if err != nil {
		writeError(w, err)
		return
	}
	key, err := s.validate(req, false)
	if err != nil {
		writeError(w, err)
		return
	}

	decision, release := s.gate.Admit(who.identity, who.hasKey)
	if err := decision.Err(); err != nil {
		writeError(w, err)
		return
	}
	defer release()

	resp, err := s.resolver.Resolve(r.Context(), coordinator.Request{
		Key:      key,
		Identity: who.identity,
		Mode:     coordinator.ModeSync,
		Priority: s.gate.CalculatePriority(who.identity, key.Limit),
	})
	if err != nil {
		s.logResolveError(key, who.identity, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSearchResponse(resp))
}

// searchAsync handles POST /v1/search/async. A cache hit answers immediately;
// a miss queues a job that keeps the caller's concurrency slot until it ends.
func (s *Server) searchAsync(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identify(r)
	if !ok {
		writeError(w, search.Unauthorized())
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, search.Validation("invalid JSON body"))
		return
	}
	if req.Limit == 0 {
		req.Limit = s.cfg.DefaultLimit
	}
	if req.Page == 0 {
		req.Page = 1
	}
	key, err := s.validate(req, true)
	if err != nil {
		writeError(w, err)
		return
	}

	decision, release := s.gate.Admit(who.identity, who.hasKey)
	if err := decision.Err(); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.resolver.Resolve(r.Context(), coordinator.Request{
		Key:      key,
		Identity: who.identity,
		Mode:     coordinator.ModeAsync,
		Priority: s.gate.CalculatePriority(who.identity, key.Limit),
	})
	if err != nil {
		release()
		s.logResolveError(key, who.identity, err)
		writeError(w, err)
		return
	}
	if !resp.Pending {
		release()
		writeJSON(w, http.StatusOK, toSearchResponse(resp))
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{
		Success: true,
		BatchID: resp.BatchID,
		Status:  search.JobStatusQueued,
	})
}

// getJob handles GET /v1/jobs/{batch_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	if !uuid.Valid(batchID) {
		writeError(w, search.Validation("batch id must be a UUID"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), jobLookupTimeout)
	defer cancel()

	job, err := s.jobs.Status(ctx, batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := jobResponse{
		Success:   true,
		BatchID:   job.BatchID,
		Status:    job.Status,
		Query:     job.Key.Query,
		Page:      job.Key.Page,
		Limit:     job.Key.Limit,
		Priority:  job.Priority,
		Attempt:   job.Attempt,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Error:     job.Error,
	}
	if job.Result != nil {
		resp.Records = job.Result.Records
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decodeSearch(r *http.Request) (searchRequest, error) {
	req := searchRequest{Page: 1, Limit: s.cfg.DefaultLimit}
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, search.Validation("invalid JSON body")
		}
		if req.Page == 0 {
			req.Page = 1
		}
		if req.Limit == 0 {
			req.Limit = s.cfg.DefaultLimit
		}
		return req, nil
	}

	q := r.URL.Query()
	req.Query = q.Get("q")
	if req.Query == "" {
		req.Query = q.Get("query")
	}
	var err error
	if req.Page, err = intParam(q.Get("page"), 1); err != nil {
		return req, search.Validation("page must be an integer")
	}
	if req.Limit, err = intParam(q.Get("limit"), s.cfg.DefaultLimit); err != nil {
		return req, search.Validation("limit must be an integer")
	}
	return req, nil
}

func (s *Server) validate(req searchRequest, async bool) (search.Key, error) {
	qr := s.gate.ValidateQuery(req.Query)
	if err := qr.Err(); err != nil {
		return search.Key{}, err
	}
	if err := s.gate.ValidatePagination(req.Page, req.Limit, async); err != nil {
		return search.Key{}, err
	}
	return search.NewKey(qr.Sanitized, req.Page, req.Limit), nil
}

func (s *Server) logResolveError(key search.Key, identity string, err error) {
	switch search.CodeOf(err) {
	case search.CodeInternal, search.CodeFetchFailed, search.CodeFetchBlocked:
		s.logger.Warn("resolve failed",
			zap.String("key", key.String()),
			zap.String("identity", identity),
			zap.Error(err))
	default:
		s.logger.Debug("resolve rejected",
			zap.String("key", key.String()),
			zap.String("identity", identity),
			zap.Error(err))
	}
}

func toSearchResponse(resp coordinator.Response) searchResponse {
	records := resp.Entry.Records
	if records == nil {
		records = []search.Record{}
	}
	return searchResponse{
		Success:    true,
		Source:     resp.Source,
		Cached:     resp.Cached,
		Records:    records,
		Count:      len(records),
		CreatedAt:  resp.Entry.CreatedAt,
		ExpiresAt:  resp.Entry.ExpiresAt,
		DurationMs: resp.Duration.Milliseconds(),
	}
}

func intParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
