// Package server exposes the signcast control surface: a small JSON HTTP API
// over the player and dashboard, and a gRPC health service.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/matt-riley/signcast/internal/metrics"
	"github.com/matt-riley/signcast/internal/middleware"
	"github.com/matt-riley/signcast/internal/playback"
)

const (
	defaultMaxJSONBodyBytes  = 64 << 10
	defaultCheckRulesTimeout = 10 * time.Second
	defaultPingTimeout       = 2 * time.Second
	defaultPlaysLimit        = 50
	maxPlaysLimit            = 500
)

var (
	errJSONBodyTooLarge = errors.New("json request body too large")
	errNoMode           = errors.New("query selects no mode")
)

// HTTPServer serves the control API.
type HTTPServer struct {
	player    Player
	dashboard Dashboard
	checker   RuleChecker
	plays     PlayHistory
	database  Database
	metrics   *metrics.Metrics
	logger    *slog.Logger

	validator   middleware.TokenValidator
	authOptions []middleware.AuthOption

	maxJSONBodyBytes int64
	checkTimeout     time.Duration
	// checkDone is called after each background rule check finishes.
	checkDone func()
}

// Option configures the HTTP handler.
type Option func(*HTTPServer)

// WithRuleChecker enables POST /v1/check-rules.
func WithRuleChecker(c RuleChecker) Option {
	return func(s *HTTPServer) { s.checker = c }
}

// WithPlayHistory enables GET /v1/plays.
func WithPlayHistory(h PlayHistory) Option {
	return func(s *HTTPServer) { s.plays = h }
}

// WithDatabase adds a database check to GET /healthz.
func WithDatabase(db Database) Option {
	return func(s *HTTPServer) { s.database = db }
}

// WithMetrics instruments every route and serves GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithLogger sets the logger used for request logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuth puts /v1/ behind bearer auth checked by validator. Without it the
// control API is open.
func WithAuth(validator middleware.TokenValidator, opts ...middleware.AuthOption) Option {
	return func(s *HTTPServer) {
		s.validator = validator
		s.authOptions = opts
	}
}

// WithMaxJSONBodySize caps request bodies. Non-positive values keep the
// default.
func WithMaxJSONBodySize(n int64) Option {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithCheckRulesTimeout bounds the background rule check.
func WithCheckRulesTimeout(d time.Duration) Option {
	return func(s *HTTPServer) {
		if d > 0 {
			s.checkTimeout = d
		}
	}
}

// NewHTTPHandler builds the control API handler.
func NewHTTPHandler(player Player, dashboard Dashboard, opts ...Option) http.Handler {
	if player == nil {
		panic("player is nil")
	}
	if dashboard == nil {
		panic("dashboard is nil")
	}

	s := &HTTPServer{
		player:           player,
		dashboard:        dashboard,
		logger:           slog.Default(),
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
		checkTimeout:     defaultCheckRulesTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	api := http.NewServeMux()
	s.handle(api, "GET /v1/view", s.handleView)
	s.handle(api, "GET /v1/dashboard", s.handleDashboard)
	s.handle(api, "PUT /v1/query", s.handleSetQuery)
	s.handle(api, "POST /v1/check-rules", s.handleCheckRules)
	s.handle(api, "GET /v1/plays", s.handlePlays)

	var protected http.Handler = api
	if s.validator != nil {
		protected = middleware.HTTPBearerAuthMiddleware(s.validator, s.authOptions...)(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protected)
	s.handle(mux, "GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return middleware.HTTPRequestLogging(s.logger)(mux)
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.metrics != nil {
		h = s.metrics.InstrumentHandler(pattern, h)
	}
	mux.Handle(pattern, h)
}

func (s *HTTPServer) handleView(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.player.View())
}

func (s *HTTPServer) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dashboard.View())
}

// queryPatch is the PUT /v1/query body. Omitted fields keep their current
// value; an explicit empty string clears one.
type queryPatch struct {
	StoreID   *string `json:"store_id"`
	SignID    *string `json:"sign_id"`
	City      *string `json:"city"`
	TargetID  *string `json:"target_id"`
	Geolocate *bool   `json:"geolocate"`
}

func (p queryPatch) apply(q playback.Query) playback.Query {
	if p.StoreID != nil {
		q.StoreID = strings.TrimSpace(*p.StoreID)
	}
	if p.SignID != nil {
		q.SignID = strings.TrimSpace(*p.SignID)
	}
	if p.City != nil {
		q.City = strings.TrimSpace(*p.City)
	}
	if p.TargetID != nil {
		q.TargetID = strings.TrimSpace(*p.TargetID)
	}
	if p.Geolocate != nil {
		q.Geolocate = *p.Geolocate
	}
	return q
}

func (s *HTTPServer) handleSetQuery(w http.ResponseWriter, r *http.Request) {
	var patch queryPatch
	if err := decodeJSONBody(w, r, &patch, s.maxJSONBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	q, err := s.player.UpdateQuery(func(current playback.Query) (playback.Query, error) {
		next := patch.apply(current)
		if next.StoreID == "" && next.SignID == "" && next.City == "" {
			return playback.Query{}, errNoMode
		}
		return next, nil
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "city is required when no store_id or sign_id is set")
		return
	}

	if patch.City != nil && q.City != "" {
		s.dashboard.SetCity(q.City)
	}

	middleware.LoggerFromContext(r.Context()).InfoContext(r.Context(), "playback query changed",
		"store_id", q.StoreID, "sign_id", q.SignID, "city", q.City, "target_id", q.TargetID, "mode", q.Mode())

	writeJSON(w, http.StatusAccepted, map[string]any{"query": q, "mode": q.Mode()})
}

type checkRulesRequest struct {
	StoreID string `json:"store_id"`
}

// handleCheckRules starts a rule check and answers before it finishes. The
// check's outcome is only logged; the player and dashboard refetch once it
// settles either way.
func (s *HTTPServer) handleCheckRules(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSONError(w, http.StatusNotImplemented, "rule checks are not configured")
		return
	}

	var req checkRulesRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(w, r, &req, s.maxJSONBodyBytes); err != nil {
			writeJSONDecodeError(w, err)
			return
		}
	}

	storeID := strings.TrimSpace(req.StoreID)
	if storeID == "" {
		storeID = s.player.View().StoreID
	}
	if storeID == "" {
		storeID = s.dashboard.View().StoreID
	}
	if storeID == "" {
		writeJSONError(w, http.StatusBadRequest, "store_id is required")
		return
	}

	logger := middleware.LoggerFromContext(r.Context())
	go s.checkRules(logger, storeID)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "store_id": storeID})
}

func (s *HTTPServer) checkRules(logger *slog.Logger, storeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.checkTimeout)
	defer cancel()

	result, err := s.checker.CheckRules(ctx, storeID)
	if err != nil {
		logger.WarnContext(ctx, "rule check failed", "store_id", storeID, "error", err)
	} else {
		logger.InfoContext(ctx, "rule check finished",
			"store_id", storeID, "status", result.Status, "playlist", result.CurrentPlaylist)
	}

	s.player.Refresh()
	s.dashboard.Refresh()
	if s.checkDone != nil {
		s.checkDone()
	}
}

func (s *HTTPServer) handlePlays(w http.ResponseWriter, r *http.Request) {
	if s.plays == nil {
		writeJSONError(w, http.StatusNotImplemented, "play log is not configured")
		return
	}

	limit, err := parsePlaysLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}

	plays, err := s.plays.ListPlays(r.Context(), strings.TrimSpace(r.URL.Query().Get("store_id")), limit)
	if err != nil {
		middleware.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "list plays failed", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"plays": plays})
}

// handleHealthz always answers 200: playback keeps running on cached and
// placeholder media when the database is down, so it only reports degraded.
func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"ready":  s.player.Ready(),
		"mode":   s.player.View().Mode,
	}

	if s.database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), defaultPingTimeout)
		defer cancel()
		if err := s.database.Ping(ctx); err != nil {
			middleware.LoggerFromContext(r.Context()).WarnContext(r.Context(), "database ping failed", "error", err)
			body["status"] = "degraded"
			body["database"] = "unavailable"
		} else {
			body["database"] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func parsePlaysLimit(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultPlaysLimit, nil
	}

	limit, err := strconv.Atoi(value)
	if err != nil || limit < 1 || limit > maxPlaysLimit {
		return 0, errors.New("invalid limit")
	}

	return limit, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "deadline exceeded")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if r.Body == nil {
		return io.EOF
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		return normalizeJSONDecodeError(err)
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
