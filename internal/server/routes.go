package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/session-bridge/internal/metrics"
)

// handleHealth reports liveness plus a small summary of the bridge state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snaps := s.bridge.List()
	states := make(map[string]int)
	browsers := 0
	for _, snap := range snaps {
		states[string(snap.State)]++
		browsers += snap.Browsers
	}

	processes := make(map[string]int)
	for _, info := range s.procs.List() {
		processes[string(info.State)]++
	}

	resp := map[string]interface{}{
		"status":    "healthy",
		"sessions":  len(snaps),
		"states":    states,
		"processes": processes,
		"browsers":  browsers,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.store != nil {
		if n, err := s.store.Count(); err != nil {
			slog.Warn("Failed to count persisted sessions", "error", err)
		} else {
			resp["persisted"] = n
		}
	}
	if m := s.currentManifest(); m != nil {
		resp["mode"] = map[string]interface{}{
			"path":      m.Path,
			"watch":     m.Watch,
			"skillsDir": m.SkillsDir,
			"loadedAt":  m.LoadedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func metricsHandler() http.Handler {
	return metrics.Handler()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSessionError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error":   code,
		"message": message,
	})
}
