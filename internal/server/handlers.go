package server

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Run       string `json:"run,omitempty"`
	Store     string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Version:   s.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     "disabled",
	}
	if s.store != nil {
		resp.Store = "sqlite"
	}
	if st, ok := s.status.Status(); ok {
		resp.Run = st.RunID
	}
	respondOK(w, RequestIDFromContext(r.Context()), resp)
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	st, ok := s.status.Status()
	if !ok {
		respondError(w, reqID, http.StatusNotFound, ErrNotFound, "no run has started")
		return
	}
	respondOK(w, reqID, st)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, ErrUnavailable, "run history is disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, reqID, http.StatusBadRequest, ErrBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, ErrInternal, "failed to list runs")
		return
	}
	respondOK(w, reqID, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, ErrUnavailable, "run history is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("get run", "id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, ErrInternal, "failed to get run")
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, ErrNotFound, "run "+id+" not found")
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, ErrUnavailable, "run history is disabled")
		return
	}
	units, err := s.store.ListUnits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("list units", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, ErrInternal, "failed to list units")
		return
	}
	respondOK(w, reqID, units)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, ErrUnavailable, "run history is disabled")
		return
	}
	events, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "uid"))
	if err != nil {
		s.logger.Error("list events", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, ErrInternal, "failed to list events")
		return
	}
	respondOK(w, reqID, events)
}
