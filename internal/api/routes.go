package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/migrate"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

// SyncEngine is the part of sync.Engine the API drives.
type SyncEngine interface {
	Synchronize(ctx context.Context, strategy domain.Strategy) sync.Result
	CancelSync() bool
	IsSyncing() bool
	Stage() sync.Stage
	LastResult() *sync.Result
	Checkpoint(ctx context.Context) (time.Time, error)
	ResolveManual(ctx context.Context, conflictID string, strategy domain.Strategy) (domain.Record, error)
}

// SchemaEngine is the part of migrate.Engine the API drives.
type SchemaEngine interface {
	GetCurrentState(ctx context.Context) (migrate.State, error)
	MigrateToVersion(ctx context.Context, target int) migrate.Progress
	ActiveTables(ctx context.Context) ([]string, error)
	Latest() int
}

type Handler struct {
	cfg             config.ServerConfig
	syncEngine      SyncEngine
	schema          SchemaEngine
	state           store.Store
	defaultStrategy domain.Strategy
}

func NewHandler(cfg config.ServerConfig, engine SyncEngine, schema SchemaEngine, state store.Store, defaultStrategy domain.Strategy) *Handler {
	return &Handler{
		cfg:             cfg,
		syncEngine:      engine,
		schema:          schema,
		state:           state,
		defaultStrategy: defaultStrategy.OrDefault(),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/stop", h.StopSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.GetSyncHistory)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/schema", h.GetSchema)
		r.Post("/schema/migrate", h.Migrate)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	strategy := h.defaultStrategy
	if s := r.URL.Query().Get("strategy"); s != "" {
		parsed, err := domain.ParseStrategy(s)
		if err != nil {
			writeError(w, err)
			return
		}
		strategy = parsed
	}

	res := h.syncEngine.Synchronize(r.Context(), strategy)
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res.Err)
	}
	writeJSON(w, status, res)
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	status := "idle"
	if h.syncEngine.CancelSync() {
		status = "stopping"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type syncStatus struct {
	Syncing    bool         `json:"syncing"`
	Stage      sync.Stage   `json:"stage"`
	Checkpoint *time.Time   `json:"checkpoint,omitempty"`
	LastResult *sync.Result `json:"lastResult,omitempty"`
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	st := syncStatus{
		Syncing:    h.syncEngine.IsSyncing(),
		Stage:      h.syncEngine.Stage(),
		LastResult: h.syncEngine.LastResult(),
	}
	cp, err := h.syncEngine.Checkpoint(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !cp.IsZero() {
		st.Checkpoint = &cp
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	history, err := h.state.GetSyncHistory(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []*store.SyncHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	resolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))
	conflicts, err := h.state.ListConflicts(r.Context(), resolved, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	Strategy string `json:"strategy"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	strategy, err := domain.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.syncEngine.ResolveManual(r.Context(), chi.URLParam(r, "id"), strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type schemaStatus struct {
	migrate.State
	Latest       int      `json:"latestVersion"`
	ActiveTables []string `json:"activeTables"`
}

func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	st, err := h.schema.GetCurrentState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	tables, err := h.schema.ActiveTables(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, schemaStatus{State: st, Latest: h.schema.Latest(), ActiveTables: tables})
}

type migrateRequest struct {
	Version *int `json:"version"`
}

func (h *Handler) Migrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	target := h.schema.Latest()
	if req.Version != nil {
		target = *req.Version
	}

	p := h.schema.MigrateToVersion(r.Context(), target)
	status := http.StatusOK
	if !p.Success {
		status = statusFor(p.Err)
	}
	writeJSON(w, status, p)
}

func paging(r *http.Request) (int, int) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrency), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNetwork):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTransaction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to encode response", zap.Error(err))
	}
}

func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := "*"
	if len(origins) > 0 {
		allowed = strings.Join(origins, ", ")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

			if r.Method == http.MethodOptions {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware requires "Authorization: Bearer <token>". An empty token disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request through zap.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.Log.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
