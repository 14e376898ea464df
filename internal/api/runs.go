package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/isolane/internal/engine"
	"github.com/seantiz/isolane/internal/model"
	"github.com/seantiz/isolane/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	maxTimeoutS      = int(engine.MaxTimeout / time.Second)
)

// runRequest is the JSON body for POST /v1/runs and POST /v1/runs/async.
type runRequest struct {
	Action      string            `json:"action"`
	Params      json.RawMessage   `json:"params"`
	Isolation   string            `json:"isolation"`
	Classpath   []string          `json:"classpath"`
	ForkOptions model.ForkOptions `json:"fork_options"`
	DisplayName string            `json:"display_name"`
	TimeoutS    *int              `json:"timeout_s"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type cancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// decodeRunRequest reads and validates a run request. The returned error
// message is safe to show to the client.
func (s *Server) decodeRunRequest(w http.ResponseWriter, r *http.Request) (model.WorkSpec, engine.Work, error) {
	var req runRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return model.WorkSpec{}, engine.Work{}, errors.New("invalid JSON body")
	}

	if req.Action == "" {
		return model.WorkSpec{}, engine.Work{}, errors.New("action is required")
	}
	if _, ok := s.actions.Lookup(req.Action); !ok {
		return model.WorkSpec{}, engine.Work{}, fmt.Errorf("unknown action %q", req.Action)
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return model.WorkSpec{}, engine.Work{}, errors.New("params must be valid JSON")
	}

	level, err := model.ParseIsolationLevel(req.Isolation)
	if err != nil {
		return model.WorkSpec{}, engine.Work{}, err
	}

	spec, err := model.NewSpec().
		SetClasspath(req.Classpath...).
		Isolation(level).
		Fork(func(o *model.ForkOptions) { *o = req.ForkOptions }).
		DisplayName(req.DisplayName).
		Build()
	if err != nil {
		return model.WorkSpec{}, engine.Work{}, err
	}

	work := engine.Work{Action: req.Action, Params: req.Params}
	if req.TimeoutS != nil {
		if *req.TimeoutS <= 0 {
			return model.WorkSpec{}, engine.Work{}, errors.New("timeout_s must be positive")
		}
		if *req.TimeoutS > maxTimeoutS {
			return model.WorkSpec{}, engine.Work{}, fmt.Errorf("timeout_s must not exceed %d", maxTimeoutS)
		}
		work.Timeout = time.Duration(*req.TimeoutS) * time.Second
	}
	return spec, work, nil
}

// handleRun executes a run synchronously. A run that was created is always
// returned with 200; its result and failure_kind describe the outcome.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	spec, work, err := s.decodeRunRequest(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	observeRunRequest(modeSync, spec.Isolation)

	// Allow the response to outlive the server-wide write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(s.runWriteDeadline(time.Now(), work)); err != nil {
		s.logger.Debug("extend write deadline", "error", err)
	}

	run, err := s.engine.Run(r.Context(), spec, work)
	var runErr *engine.RunError
	if err != nil && !errors.As(err, &runErr) {
		s.logger.Error("run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

// runWriteDeadline is the latest time a synchronous response for work may
// still be written.
func (s *Server) runWriteDeadline(now time.Time, work engine.Work) time.Time {
	return now.Add(s.engine.EffectiveTimeout(work) + writeTimeout)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	spec, work, err := s.decodeRunRequest(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	observeRunRequest(modeAsync, spec.Isolation)

	run, err := s.engine.Submit(r.Context(), spec, work)
	if err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelRun asks the engine to cancel an in-flight run. Cancellation
// completes asynchronously; the run record shows the outcome.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for cancel", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			s.writeError(w, http.StatusConflict, "run is not in flight")
			return
		}
		s.logger.Error("cancel run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, cancelResponse{ID: id, Status: "cancelling"})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
