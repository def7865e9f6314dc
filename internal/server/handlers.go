package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/store"
	"github.com/bekirdag/mcoda/internal/telemetry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var states []store.JobState
	if v := r.URL.Query().Get("state"); v != "" {
		states = append(states, store.JobState(v))
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	jobsList, err := s.runtime.List(states, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobsList})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runtime.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	entries, err := s.runtime.Checkpoints(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": entries})
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	content, err := s.runtime.ReadLog(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(content))
}

func (s *Server) handleJobTokens(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	rows, err := s.ledger.Summarize(telemetry.Filter{JobID: jobID},
		[]telemetry.GroupKey{telemetry.GroupAgent, telemetry.GroupAction})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "summary": rows})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.ClassOf(err) {
	case errs.ClassValidation:
		status = http.StatusNotFound
	case errs.ClassPrecondition:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"class": string(errs.ClassOf(err)),
		"hint":  errs.HintOf(err),
	})
}
