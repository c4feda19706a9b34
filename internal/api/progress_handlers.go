package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/avelops/jobpulse/internal/models"
	"github.com/avelops/jobpulse/internal/progress"
	"github.com/avelops/jobpulse/internal/store"
)

// handleListJobs returns progress views for all jobs owned by the caller.
// Live jobs come from the in-memory tracker; jobs that predate this
// process are folded from the durable log.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r)

	views := s.app.Views().ForOwner(user.ID)
	seen := make(map[string]bool, len(views))
	for _, v := range views {
		seen[v.JobID] = true
	}

	ids, err := s.store.ListJobIDs(user.ID)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		v, err := s.foldJobFromStore(id, user.ID)
		if err != nil {
			RespondWithError(w, http.StatusInternalServerError, "Failed to load job history")
			return
		}
		if v != nil {
			views = append(views, v)
		}
	}

	RespondWithJSON(w, http.StatusOK, views)
}

// handleGetJobView returns the progress view for one job.
func (s *Server) handleGetJobView(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r)
	jobID := chi.URLParam(r, "jobID")

	if v, ok := s.app.Views().Get(jobID); ok {
		if v.OwnerID != user.ID {
			RespondWithError(w, http.StatusForbidden, "Forbidden")
			return
		}
		RespondWithJSON(w, http.StatusOK, v)
		return
	}

	v, err := s.foldJobFromStore(jobID, user.ID)
	switch {
	case errors.Is(err, store.ErrForbidden):
		RespondWithError(w, http.StatusForbidden, "Forbidden")
		return
	case errors.Is(err, store.ErrJobNotFound):
		RespondWithError(w, http.StatusNotFound, "Job not found")
		return
	case err != nil:
		RespondWithError(w, http.StatusInternalServerError, "Failed to load job history")
		return
	}
	RespondWithJSON(w, http.StatusOK, v)
}

// handleGetJobEvents serves the durable history API used by clients on
// reconnect: an ordered, finite page of events after since_seq plus a
// continuation marker when more remain.
func (s *Server) handleGetJobEvents(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r)
	jobID := chi.URLParam(r, "jobID")

	sinceSeq, err := parseInt64Param(r.URL.Query().Get("since_seq"), 0)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid since_seq parameter")
		return
	}
	pageSize := s.app.Config().Gateway.HistoryPageSize
	limit, err := parseIntParam(r.URL.Query().Get("limit"), pageSize)
	if err != nil || limit <= 0 {
		RespondWithError(w, http.StatusBadRequest, "Invalid limit parameter")
		return
	}
	if limit > pageSize {
		limit = pageSize
	}

	// Read one extra event to detect whether a continuation is needed.
	events, err := s.store.ReadEventsSince(jobID, user.ID, sinceSeq, limit+1)
	switch {
	case errors.Is(err, store.ErrForbidden):
		RespondWithError(w, http.StatusForbidden, "Forbidden")
		return
	case errors.Is(err, store.ErrJobNotFound):
		RespondWithError(w, http.StatusNotFound, "Job not found")
		return
	case err != nil:
		RespondWithError(w, http.StatusInternalServerError, "Failed to read job history")
		return
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	nextSince := sinceSeq
	if len(events) > 0 {
		nextSince = events[len(events)-1].Sequence
	}

	RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"events":     events,
		"next_since": nextSince,
		"has_more":   hasMore,
	})
}

// foldJobFromStore pages through a job's full history and folds it into a
// view, keeping memory bounded for very long jobs.
func (s *Server) foldJobFromStore(jobID string, ownerID int64) (*models.JobProgressView, error) {
	pageSize := s.app.Config().Gateway.HistoryPageSize
	if pageSize <= 0 {
		pageSize = 200
	}

	var view *models.JobProgressView
	var after int64
	for {
		page, err := s.store.ReadEventsSince(jobID, ownerID, after, pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) > 0 {
			if view == nil {
				view = progress.BuildView(page)
			} else {
				progress.ExtendView(view, page)
			}
			after = page[len(page)-1].Sequence
		}
		if len(page) < pageSize {
			break
		}
	}
	return view, nil
}

func parseInt64Param(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func parseIntParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
