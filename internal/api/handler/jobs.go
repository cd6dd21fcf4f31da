// Package handler contains the HTTP handlers for the transfer API. Each
// handler depends on a narrow interface so tests can substitute the manager.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/arkhaul/arkhaul/internal/api/response"
	"github.com/arkhaul/arkhaul/internal/jobs"
	"github.com/arkhaul/arkhaul/internal/store"
	"github.com/arkhaul/arkhaul/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxListLimit = 500

// JobService is the slice of the job manager the handlers use.
type JobService interface {
	Submit(ctx context.Context, kind, identifier string, files []string, options models.Options) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.Filter) ([]*models.Job, error)
	ClearHistory(ctx context.Context, kind string) (int64, error)
}

// NewSubmitHandler returns the handler for POST /api/downloads and
// POST /api/uploads; kind fixes which one.
func NewSubmitHandler(svc JobService, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifier string         `json:"identifier"`
			Files      []string       `json:"files"`
			Options    models.Options `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), kind, req.Identifier, req.Files, req.Options)
		if err != nil {
			if errors.Is(err, jobs.ErrValidation) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Created(w, job)
	}
}

// NewListHandler returns the handler for GET /api/downloads and
// GET /api/uploads. The optional status query narrows to active or terminal
// jobs; limit caps the result.
func NewListHandler(svc JobService, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.Filter{Kind: kind}

		switch r.URL.Query().Get("status") {
		case "":
			filter.Status = store.AllJobs
		case "active":
			filter.Status = store.ActiveJobs
		case "terminal":
			filter.Status = store.TerminalJobs
		default:
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"status must be active or terminal", nil)
			return
		}

		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
					"limit must be a positive integer", nil)
				return
			}
			if limit > maxListLimit {
				limit = maxListLimit
			}
			filter.Limit = limit
		}

		list, err := svc.List(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Collection(w, list, response.ListMeta{Count: len(list), Limit: filter.Limit})
	}
}

// NewGetHandler returns the handler for GET /api/{kind}/{jobID}.
func NewGetHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		job, err := svc.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, job)
	}
}

// NewCancelHandler returns the handler for DELETE /api/{kind}/{jobID}.
// Cancellation is asynchronous for running jobs, so success is 202 with the
// request acknowledged rather than the final state.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		if err := svc.Cancel(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			case errors.Is(err, jobs.ErrInvalidTransition):
				response.Error(w, http.StatusConflict, "JOB_NOT_CANCELLABLE",
					"Job is not pending or running", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, map[string]string{"job_id": id.String(), "status": "cancelling"})
	}
}

// NewClearHandler returns the handler for DELETE /api/downloads and
// DELETE /api/uploads: it removes finished jobs of that kind from history.
func NewClearHandler(svc JobService, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := svc.ClearHistory(r.Context(), kind)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, map[string]int64{"removed": removed})
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job id", nil)
		return uuid.Nil, false
	}
	return id, true
}
