package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
	"github.com/nidhogg/knirv-skillnet/internal/notify"
	"github.com/nidhogg/knirv-skillnet/internal/orchestrator"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
	"github.com/nidhogg/knirv-skillnet/internal/router"
	"github.com/nidhogg/knirv-skillnet/internal/skillgraph"
	"github.com/nidhogg/knirv-skillnet/internal/store"
	"github.com/nidhogg/knirv-skillnet/internal/training"
	"github.com/nidhogg/knirv-skillnet/internal/weightsync"
)

// JobHistory is the read side of the persisted job log.
type JobHistory interface {
	GetJob(ctx context.Context, queueID string) (*store.JobRecord, error)
	ListJobs(ctx context.Context, status string, limit int) ([]store.JobRecord, error)
}

// CheckFunc reports whether an optional backend is reachable.
type CheckFunc func(ctx context.Context) error

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine      *orchestrator.Engine
	jobs        JobHistory
	broadcaster *notify.Broadcaster
	checks      map[string]CheckFunc
	logger      *zap.Logger
}

// NewHandler creates a new API handler. jobs and broadcaster may be nil.
func NewHandler(engine *orchestrator.Engine, jobs JobHistory, broadcaster *notify.Broadcaster, logger *zap.Logger) *Handler {
	return &Handler{
		engine:      engine,
		jobs:        jobs,
		broadcaster: broadcaster,
		checks:      make(map[string]CheckFunc),
		logger:      logger,
	}
}

// AddCheck registers a dependency probe reported by /api/health.
func (h *Handler) AddCheck(name string, fn CheckFunc) {
	h.checks[name] = fn
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/errors", h.reportError)
		r.Get("/outcomes", h.listOutcomes)

		// Training queue routes
		r.Get("/queue", h.queueSnapshot)
		r.Get("/queue/metrics", h.queueMetrics)
		r.Delete("/queue/completed", h.clearCompleted)
		r.Delete("/queue/failed", h.clearFailed)
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)

		// Skill catalog routes
		r.Get("/skills", h.listSkills)
		r.Get("/skills/{id}", h.getSkill)
		r.Delete("/skills/{id}", h.removeSkill)
		r.Get("/clusters/{id}/skills", h.clusterSkills)

		// Weight sync routes
		r.Get("/sync", h.syncStats)
		r.Post("/sync/force", h.forceSync)
		r.Get("/sync/mappings", h.listMappings)
		r.Post("/sync/mappings", h.addMapping)
		r.Delete("/sync/mappings", h.removeMapping)

		r.Get("/notifications", h.listNotifications)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"service":      "knirv",
		"dependencies": deps,
	})
}

type reportRequest struct {
	Type          string                 `json:"type"`
	Message       string                 `json:"message"`
	Task          string                 `json:"task"`
	Severity      string                 `json:"severity,omitempty"`
	Input         json.RawMessage        `json:"input,omitempty"`
	PriorSkillID  string                 `json:"prior_skill_id,omitempty"`
	SourceSnippet string                 `json:"source_snippet,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// reportedError is a failure described over HTTP rather than raised locally.
type reportedError struct {
	kind string
	msg  string
}

func (e *reportedError) Error() string     { return e.msg }
func (e *reportedError) ErrorType() string { return e.kind }

func (h *Handler) reportError(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Type == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type and message are required"})
		return
	}

	extra := fingerprint.Extra{
		InputData:     req.Input,
		PriorSkillID:  req.PriorSkillID,
		Severity:      fingerprint.ParseSeverity(req.Severity),
		SourceSnippet: req.SourceSnippet,
		Context:       req.Context,
	}
	out, err := h.engine.HandleError(r.Context(), &reportedError{kind: req.Type, msg: req.Message}, req.Task, extra)
	if err != nil {
		h.logger.Warn("error handling failed", zap.String("type", req.Type), zap.Error(err))
		writeJSON(w, statusFor(err), map[string]interface{}{
			"error":   err.Error(),
			"outcome": out,
		})
		return
	}

	status := http.StatusOK
	if out.Kind == orchestrator.OutcomeTraining {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func statusFor(err error) int {
	var (
		qf *training.QueueFullError
		de *registry.DiscoveryError
		ie *router.InvocationError
	)
	switch {
	case errors.As(err, &qf):
		return http.StatusServiceUnavailable
	case errors.As(err, &de), errors.As(err, &ie):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) listOutcomes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Recent(queryInt(r, "limit", 50)))
}

func (h *Handler) queueSnapshot(w http.ResponseWriter, r *http.Request) {
	q := h.engine.Queue()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":    q.PendingItems(),
		"retrying":   q.RetryingItems(),
		"processing": q.ProcessingItems(),
		"completed":  q.CompletedItems(),
		"failed":     q.FailedItems(),
		"metrics":    q.Metrics(),
	})
}

func (h *Handler) queueMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Queue().Metrics())
}

func (h *Handler) clearCompleted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.engine.Queue().ClearCompleted()})
}

func (h *Handler) clearFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.engine.Queue().ClearFailed()})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if job, ok := h.engine.Queue().Status(id); ok {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if h.jobs != nil {
		rec, err := h.jobs.GetJob(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if rec != nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job history not configured"})
		return
	}
	recs, err := h.jobs.ListJobs(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 50))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	skills := h.engine.Catalog().All()
	if agentID := r.URL.Query().Get("agent"); agentID != "" {
		skills = h.engine.Catalog().GetAgentSkills(agentID)
	}
	writeJSON(w, http.StatusOK, skills)
}

func (h *Handler) getSkill(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Catalog().Get(chi.URLParam(r, "id"))
	if s == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "skill not found"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) removeSkill(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Catalog().Remove(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "skill not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) clusterSkills(w http.ResponseWriter, r *http.Request) {
	g := h.engine.Graph()
	if g == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "skill graph not configured"})
		return
	}
	refs, err := g.ClusterSkills(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if refs == nil {
		refs = []skillgraph.SkillRef{}
	}
	writeJSON(w, http.StatusOK, refs)
}

func (h *Handler) bridge(w http.ResponseWriter) (*weightsync.Bridge, bool) {
	b := h.engine.Bridge()
	if b == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "weight sync disabled"})
		return nil, false
	}
	return b, true
}

func (h *Handler) syncStats(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bridge(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.Stats())
}

func (h *Handler) forceSync(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bridge(w)
	if !ok {
		return
	}
	report, err := b.ForceSyncNow(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, weightsync.ErrNotAttached) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) listMappings(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bridge(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.Mappings())
}

func (h *Handler) addMapping(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bridge(w)
	if !ok {
		return
	}
	var m weightsync.LayerMapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := b.AddMapping(m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) removeMapping(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bridge(w)
	if !ok {
		return
	}
	q := r.URL.Query()
	if !b.RemoveMapping(q.Get("core_layer"), q.Get("adapter_module")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "mapping not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"platforms": []string{}, "history": []notify.Record{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"platforms": h.broadcaster.Platforms(),
		"history":   h.broadcaster.History(queryInt(r, "limit", 20)),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
