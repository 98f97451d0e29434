package agent

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// statusReport is the GET /status response body.
type statusReport struct {
	AgentID    string `json:"agent_id"`
	Version    string `json:"version"`
	Active     bool   `json:"active"`
	Connection string `json:"connection"`
	Attempts   int    `json:"reconnect_attempts"`
	ActiveRun  string `json:"active_run,omitempty"`
}

// Routes builds the local status router.
func (a *Agent) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", a.serveStatus)
	r.Get("/runs", a.serveRuns)
	r.Get("/runs/{runID}/steps", a.serveRunSteps)

	return r
}

func (a *Agent) serveStatus(w http.ResponseWriter, r *http.Request) {
	st, attempts := a.sup.Status()
	rep := statusReport{
		AgentID:    a.cfg.Agent.ID,
		Version:    a.cfg.Agent.Version,
		Active:     a.sup.Active(),
		Connection: st.String(),
		Attempts:   attempts,
	}
	if id, busy := a.registry.Active(); busy {
		rep.ActiveRun = id
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *Agent) serveRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := a.journal.RecentRuns(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	// Live progress overrides the journal row for the run in flight.
	live := a.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "live": live})
}

func (a *Agent) serveRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	steps, err := a.journal.Steps(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "steps": steps})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (a *Agent) startStatusServer() {
	srv := &http.Server{
		Addr:              a.cfg.Status.Addr,
		Handler:           a.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.statusSrv = srv
	go func() {
		a.logger.Info("agent: status endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("agent: status endpoint failed", "error", err)
		}
	}()
}
