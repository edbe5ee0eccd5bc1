package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/csvmerge/internal/ingest"
)

// maxRequestBody caps JSON API bodies.
const maxRequestBody = 64 << 10

type healthResponse struct {
	Status string                  `json:"status"`
	Runs   ingest.RunLimiterStatus `json:"runs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Runs: s.runs.Status()})
}

type createRunRequest struct {
	Commit string `json:"commit"`
}

// handleCreateRun starts a run for the commit in the body, falling back to
// the configured commit.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "REQ001", "invalid JSON body")
			return
		}
	}

	commit := strings.TrimSpace(req.Commit)
	if commit == "" {
		commit = s.cfg.Source.Commit
	}
	if commit == "" {
		writeError(w, r, http.StatusBadRequest, "REQ002", "commit is required")
		return
	}

	s.startRun(w, r, commit, "api")
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, commit, trigger string) {
	run, err := s.runs.Start(r.Context(), commit, trigger)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ingest.ErrTooManyRuns) {
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "30")
		}
		respondError(w, r, err, status)
		return
	}

	w.Header().Set("Location", "/api/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.Get(chi.URLParam(r, "runID"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "RUN001", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.runs.List()})
}
