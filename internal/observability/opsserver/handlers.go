package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"arvcare/internal/reminder"
	"arvcare/internal/task/runner"
	"arvcare/pkg/logx"
)

type workerView struct {
	runner.Snapshot
	LastReport *reminder.TickReport `json:"last_report,omitempty"`
}

type runResponse struct {
	Worker string `json:"worker"`
	Ran    bool   `json:"ran"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "storage": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	out := make([]workerView, 0, len(s.deps.Workers))
	for _, wk := range s.deps.Workers {
		out = append(out, workerView{Snapshot: wk.Snapshot(), LastReport: reportOf(wk)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var wk Worker
	for _, cand := range s.deps.Workers {
		if cand.Name() == name {
			wk = cand
			break
		}
	}
	if wk == nil {
		writeJSON(w, http.StatusNotFound, runResponse{Worker: name, Error: "unknown worker"})
		return
	}

	s.log.Info("manual run requested", logx.String("worker", name), logx.String("remote", r.RemoteAddr))
	ran, err := wk.RunNow(r.Context())
	resp := runResponse{Worker: name, Ran: ran}
	switch {
	case errors.Is(err, runner.ErrDisposed):
		resp.Error = err.Error()
		writeJSON(w, http.StatusGone, resp)
	case !ran && err == nil:
		resp.Error = "a run is already in progress"
		writeJSON(w, http.StatusConflict, resp)
	case err != nil:
		// The run happened; report its failure without failing the request.
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleNotifier(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Notifier == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "notifier not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Notifier.Snapshot())
}

func (s *Server) handleSupervisor(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Supervisor == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no supervisor"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Supervisor.Snapshot())
}
