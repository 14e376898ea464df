package api

import "net/http"

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.providers.List())
}

type actionsResponse struct {
	Actions []string `json:"actions"`
}

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, actionsResponse{Actions: s.actions.Names()})
}

func (s *Server) handleListContexts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.contexts.Snapshot())
}
