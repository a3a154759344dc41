package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/orchestrator"
	"github.com/bookforge/bookforge/internal/store"
	"github.com/bookforge/bookforge/pkg/models"
)

// Error codes returned in the error body alongside the HTTP status
const (
	codeUnauthorized = "UNAUTHORIZED"
	codeNotFound     = "NOT_FOUND"
	codeRateLimited  = "RATE_LIMITED"
	codeValidation   = "VALIDATION_ERROR"
	codeConflict     = "CONFLICT"
	codeInternal     = "INTERNAL"
)

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type ownerKey struct{}

// Server is the HTTP surface over the orchestrator controller
type Server struct {
	controller *orchestrator.Controller
	cfg        *config.Config
	logger     *slog.Logger

	// tickID identifies this server instance as a lease owner for ticks
	// driven by HTTP clients
	tickID string
	// createLimiter throttles job creation across all clients
	createLimiter *rate.Limiter
}

// New creates the HTTP server surface
func New(controller *orchestrator.Controller, cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		controller:    controller,
		cfg:           cfg,
		logger:        logger.With("component", "server"),
		tickID:        "http-" + uuid.NewString()[:8],
		createLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Handler builds the API router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(s.logRequests)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/jobs", s.createJob)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/tick", s.tickJob)
			r.Get("/manuscript", s.getManuscript)
			r.Post("/cancel", s.cancelJob)
			r.Get("/checkpoints", s.listCheckpoints)
		})
	})

	// Stored artifacts (covers, audio) are public by URL
	if s.cfg.Storage.BlobDir != "" {
		prefix := strings.TrimSuffix(s.cfg.Storage.BlobURL, "/")
		r.Handle(prefix+"/*", http.StripPrefix(prefix+"/", http.FileServer(http.Dir(s.cfg.Storage.BlobDir))))
	}
	return r
}

// MetricsHandler serves the prometheus scrape endpoint, bound to its own
// listener so it is never exposed with the API
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(started))
	})
}

// authenticate resolves the bearer token to an owner id. With no tokens
// configured the server runs open with a single local owner, for development.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := "local"
		if len(s.cfg.Server.AuthTokens) > 0 {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token", nil)
				return
			}
			owner, ok = s.cfg.Server.AuthTokens[token]
			if !ok {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "unknown token", nil)
				return
			}
		}
		ctx := contextWithOwner(r.Context(), owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	if !s.createLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many create requests", nil)
		return
	}

	var input models.JobInput
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "malformed request body", map[string]string{"body": err.Error()})
		return
	}

	job, err := s.controller.Create(r.Context(), ownerFrom(r.Context()), input)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"jobId":  job.ID,
		"status": job.Status,
		"mode":   job.Input.Mode,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	snapshot, err := s.controller.Status(r.Context(), jobID)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) tickJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	snapshot, err := s.controller.Tick(r.Context(), jobID, s.tickID)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) getManuscript(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	manuscript, err := s.controller.Manuscript(r.Context(), jobID)
	if errors.Is(err, orchestrator.ErrNotReady) {
		snapshot, serr := s.controller.Status(r.Context(), jobID)
		if serr != nil {
			s.writeControllerError(w, serr)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    "manuscript not ready",
			"status":   snapshot.Status,
			"progress": snapshot.Progress,
			"message":  "the job has not reached a terminal state",
		})
		return
	}
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manuscript)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	snapshot, err := s.controller.Cancel(r.Context(), jobID)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	checkpoints, err := s.controller.Checkpoints(r.Context(), jobID)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	type entry struct {
		Phase     string    `json:"phase"`
		Index     int       `json:"index"`
		CreatedAt time.Time `json:"createdAt"`
	}
	out := make([]entry, 0, len(checkpoints))
	for _, cp := range checkpoints {
		out = append(out, entry{Phase: cp.Phase, Index: cp.Index, CreatedAt: cp.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// authorized extracts the job id and verifies resource ownership. A foreign
// job reads as not found.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "id")
	if err := s.controller.Authorize(r.Context(), jobID, ownerFrom(r.Context())); err != nil {
		s.writeControllerError(w, err)
		return "", false
	}
	return jobID, true
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "job not found", nil)
	case errors.Is(err, orchestrator.ErrInvalidInput),
		errors.Is(err, orchestrator.ErrBlockedPrompt):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), validationDetails(err))
	case errors.Is(err, orchestrator.ErrWrongState):
		writeError(w, http.StatusConflict, codeConflict, err.Error(), nil)
	default:
		s.logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error", nil)
	}
}

// validationDetails flattens field validation failures into a field-to-rule
// object for the error body
func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		details[fe.Field()] = "failed the " + rule + " rule"
	}
	return details
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorBody{Error: message, Code: code, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func contextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
