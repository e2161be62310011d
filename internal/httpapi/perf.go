package httpapi

import "net/http"

func (s *Server) handlePerfPhases(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotPhases())
}
