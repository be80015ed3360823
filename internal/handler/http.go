package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gamestats-mongo/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// maxUploadBytes bounds the size of a stats upload body
const maxUploadBytes = 8 << 20

// StatsService is the stats API the handlers call into
type StatsService interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*domain.PlayerProfile, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, username string) (*domain.PlayerProfile, error)
	GetPlayerStats(ctx context.Context, id uuid.UUID, namespace *string) (domain.PlayerStats, error)
	GetGlobalStats(ctx context.Context, namespace string) (map[string]float64, error)
	UploadStats(ctx context.Context, bundle *domain.UploadBundle) (*domain.UploadSummary, error)
	Ping(ctx context.Context) error
}

// UploadLister lists recorded uploads
type UploadLister interface {
	ListUploads(ctx context.Context, namespace string, limit int) ([]domain.UploadRecord, error)
}

// LiveFeed serves websocket subscribers
type LiveFeed interface {
	ServeWs(w http.ResponseWriter, r *http.Request)
	GetTotalConnections() int
}

// Options configures a Handler
type Options struct {
	ServerTokens   []string
	RequestTimeout time.Duration
	DefaultLimit   int
	MaxLimit       int
}

// Handler provides HTTP handlers for the stats API
type Handler struct {
	service StatsService
	uploads UploadLister
	feed    LiveFeed
	opts    Options
	logger  zerolog.Logger
}

// NewHandler creates a new HTTP handler. uploads and feed may be nil when
// the audit log or live feed is not running.
func NewHandler(service StatsService, uploads UploadLister, feed LiveFeed, opts Options, logger zerolog.Logger) *Handler {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = opts.DefaultLimit
	}
	return &Handler{
		service: service,
		uploads: uploads,
		feed:    feed,
		opts:    opts,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
	}).Handler)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	if h.feed != nil {
		r.Get("/ws", h.HandleWebSocket)
	}

	r.Group(func(r chi.Router) {
		if h.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(h.opts.RequestTimeout))
		}

		r.Route("/player/{uuid}", func(r chi.Router) {
			r.Get("/", h.GetProfile)
			r.With(h.requireToken).Put("/", h.UpdateProfile)
			r.Get("/stats", h.GetAllPlayerStats)
			r.Get("/stats/{namespace}", h.GetPlayerStats)
		})

		r.Route("/stats", func(r chi.Router) {
			r.Get("/global/{namespace}", h.GetGlobalStats)
			r.With(h.requireToken).Post("/upload", h.UploadStats)
			r.With(h.requireToken).Get("/uploads", h.ListUploads)
		})
	})

	return r
}

// requireToken rejects requests whose Authorization header is not one of the
// configured server tokens. A "Bearer " prefix is accepted.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("Authorization"))
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" || !h.validToken(token) {
			h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) validToken(token string) bool {
	valid := false
	for _, t := range h.opts.ServerTokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			valid = true
		}
	}
	return valid
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// writeServiceError maps a service error onto a status code
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrServiceStopped):
		h.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("op", op).Msg("request timed out")
		h.writeError(w, http.StatusGatewayTimeout, err)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("op", op).Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

func (h *Handler) playerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return uuid.Nil, false
	}
	return id, true
}

// HealthCheck reports liveness
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck reports whether the store answers through the stats worker
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  "store unavailable",
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.feed.ServeWs(w, r)
}

// GetProfile returns a player's profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.playerID(w, r)
	if !ok {
		return
	}

	profile, err := h.service.GetProfile(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "get profile", err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// UpdateProfile sets a player's username, creating the player if needed
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.playerID(w, r)
	if !ok {
		return
	}

	var req domain.UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if _, err := h.service.UpdateProfile(r.Context(), id, req.Username); err != nil {
		h.writeServiceError(w, r, "update profile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAllPlayerStats returns a player's stats in every namespace
func (h *Handler) GetAllPlayerStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.playerID(w, r)
	if !ok {
		return
	}

	stats, err := h.service.GetPlayerStats(r.Context(), id, nil)
	if err != nil {
		h.writeServiceError(w, r, "get player stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// GetPlayerStats returns a player's stats in one namespace
func (h *Handler) GetPlayerStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.playerID(w, r)
	if !ok {
		return
	}
	namespace := chi.URLParam(r, "namespace")

	stats, err := h.service.GetPlayerStats(r.Context(), id, &namespace)
	if err != nil {
		h.writeServiceError(w, r, "get player stats", err)
		return
	}
	values := stats[namespace]
	if values == nil {
		values = map[string]float64{}
	}
	h.writeJSON(w, http.StatusOK, values)
}

// GetGlobalStats returns the global stats of a namespace
func (h *Handler) GetGlobalStats(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")

	stats, err := h.service.GetGlobalStats(r.Context(), namespace)
	if err != nil {
		h.writeServiceError(w, r, "get global stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// UploadStats applies a stats bundle sent by a game server
func (h *Handler) UploadStats(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var bundle domain.UploadBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("malformed stats bundle")
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	zerolog.Ctx(r.Context()).Debug().
		Str("server_name", bundle.ServerName).
		Str("namespace", bundle.Namespace).
		Int("stats", bundle.StatCount()).
		Msg("stats bundle received")

	if _, err := h.service.UploadStats(r.Context(), &bundle); err != nil {
		h.writeServiceError(w, r, "upload stats", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListUploads returns recent entries of the upload audit log
func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		h.writeError(w, http.StatusNotFound, domain.ErrAuditLogDisabled)
		return
	}

	limit := h.opts.DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		limit = min(l, h.opts.MaxLimit)
	}

	records, err := h.uploads.ListUploads(r.Context(), r.URL.Query().Get("namespace"), limit)
	if err != nil {
		h.writeServiceError(w, r, "list uploads", err)
		return
	}
	if records == nil {
		records = []domain.UploadRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}
