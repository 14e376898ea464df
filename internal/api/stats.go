package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	ByResult      map[string]int `json:"by_result"`
	ByStrategy    map[string]int `json:"by_strategy"`
	ByFailureKind map[string]int `json:"by_failure_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	LiveContexts  int            `json:"live_contexts"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByState:       stats.CountByState,
		ByResult:      stats.CountByResult,
		ByStrategy:    stats.CountByStrategy,
		ByFailureKind: stats.CountByFailure,
		AvgDurationMS: stats.AvgDurationMS,
		LiveContexts:  len(s.contexts.Snapshot()),
	})
}
