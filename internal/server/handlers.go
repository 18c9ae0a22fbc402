package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/dedup"
	"github.com/sells-group/lead-enrich/internal/enrich"
	"github.com/sells-group/lead-enrich/internal/model"
)

type handlers struct {
	store      RecordStore
	enricher   Enricher
	detector   DuplicateFinder
	merger     Merger
	breakers   BreakerAdmin
	maxRetries int
}

type errorResponse struct {
	Error string `json:"error"`
}

type enrichRequest struct {
	Tasks []string `json:"tasks"`
}

type enrichResponse struct {
	Record    *model.Record    `json:"record"`
	Results   enrich.Results   `json:"results"`
	Succeeded []model.TaskType `json:"succeeded"`
	Failed    []model.TaskType `json:"failed"`
}

type pairRequest struct {
	PrimaryID   int64 `json:"primary_id"`
	DuplicateID int64 `json:"duplicate_id"`
}

type notDuplicateRequest struct {
	A int64 `json:"a_id"`
	B int64 `json:"b_id"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listBreakers(w http.ResponseWriter, r *http.Request) {
	states, err := h.breakers.States(r.Context())
	if err != nil {
		internalError(w, "list breakers", err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (h *handlers) resetBreaker(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	ok, err := h.breakers.Reset(r.Context(), provider)
	h.breakerResult(w, provider, ok, err)
}

func (h *handlers) openBreaker(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	ok, err := h.breakers.ForceOpen(r.Context(), provider)
	h.breakerResult(w, provider, ok, err)
}

func (h *handlers) breakerResult(w http.ResponseWriter, provider string, ok bool, err error) {
	switch {
	case err != nil:
		internalError(w, "breaker override", err)
	case !ok:
		writeError(w, http.StatusNotFound, "unknown provider "+provider)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "status": "ok"})
	}
}

func (h *handlers) enrichRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}

	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// No tasks in the request means every enabled task.
	tasks, err := model.ParseTaskTypes(req.Tasks)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.enricher.EnrichWithRetry(r.Context(), rec, tasks, h.maxRetries)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(results.Succeeded()) > 0 {
		if err := h.store.UpdateRecord(r.Context(), rec); err != nil {
			internalError(w, "save enriched record", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, enrichResponse{
		Record:    rec,
		Results:   results,
		Succeeded: results.Succeeded(),
		Failed:    results.Failed(),
	})
}

func (h *handlers) listDuplicates(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecord(w, r)
	if !ok {
		return
	}
	cands, err := h.detector.FindDuplicates(r.Context(), rec)
	if err != nil {
		internalError(w, "find duplicates", err)
		return
	}
	if cands == nil {
		cands = []dedup.Candidate{}
	}
	writeJSON(w, http.StatusOK, cands)
}

func (h *handlers) merge(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PrimaryID <= 0 || req.DuplicateID <= 0 {
		writeError(w, http.StatusBadRequest, "primary_id and duplicate_id are required")
		return
	}
	merged, err := h.merger.Merge(r.Context(), req.PrimaryID, req.DuplicateID)
	if err != nil {
		internalError(w, "merge", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"merged":       merged,
		"primary_id":   req.PrimaryID,
		"duplicate_id": req.DuplicateID,
	})
}

func (h *handlers) markNotDuplicate(w http.ResponseWriter, r *http.Request) {
	var req notDuplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.A <= 0 || req.B <= 0 || req.A == req.B {
		writeError(w, http.StatusBadRequest, "two distinct ids a_id and b_id are required")
		return
	}
	if err := h.merger.MarkNotDuplicate(r.Context(), req.A, req.B); err != nil {
		internalError(w, "mark not duplicate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"a_id": req.A, "b_id": req.B})
}

// loadRecord resolves the {id} URL parameter, writing the error response
// itself when it returns false.
func (h *handlers) loadRecord(w http.ResponseWriter, r *http.Request) (*model.Record, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return nil, false
	}
	rec, err := h.store.GetRecord(r.Context(), id)
	if err != nil {
		internalError(w, "get record", err)
		return nil, false
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return nil, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("server: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}
