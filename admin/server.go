// Package admin exposes the operational HTTP API of the cache layer:
// manual and scheduled invalidations, invalidation rule management,
// rate limit blocks, statistics, health, and Prometheus metrics.
package admin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/creditcache"
	"github.com/credlane/lending-cache/invalidation"
	"github.com/credlane/lending-cache/monitoring"
	"github.com/credlane/lending-cache/ratelimit"
)

// sourceAdmin marks invalidations issued through this API in the audit
// trail and statistics.
const sourceAdmin = "admin"

const maxRequestBytes = 1 << 20

// Options wires the served components into the admin server.
type Options struct {
	Config Config
	// Logger defaults to a no-op logger.
	Logger cache.Logger
	// Cache supplies the cache statistics. Required.
	Cache cache.Cache
	// Invalidation executes the invalidate, schedule and rule
	// endpoints. Required.
	Invalidation *invalidation.Service
	// Monitor backs the health and report endpoints. Required.
	Monitor *monitoring.Monitor
	// Limiter backs the block endpoints. Optional.
	Limiter *ratelimit.Limiter
	// Credit adds credit cache statistics. Optional.
	Credit *creditcache.Cache
	// Collector is registered on the /metrics registry. Optional.
	Collector prometheus.Collector
}

// Server hosts the administrative endpoints.
type Server struct {
	cfg          Config
	logger       cache.Logger
	cache        cache.Cache
	invalidation *invalidation.Service
	monitor      *monitoring.Monitor
	limiter      *ratelimit.Limiter
	credit       *creditcache.Cache
	registry     *prometheus.Registry

	server   *http.Server
	listener net.Listener
}

// New constructs an admin server. It does not listen until Start.
func New(opts Options) (*Server, error) {
	if opts.Cache == nil || opts.Invalidation == nil || opts.Monitor == nil {
		return nil, cache.ErrInvalidConfig
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}

	registry := prometheus.NewRegistry()
	if opts.Collector != nil {
		if err := registry.Register(opts.Collector); err != nil {
			return nil, err
		}
	}

	return &Server{
		cfg:          opts.Config.Normalize(),
		logger:       opts.Logger,
		cache:        opts.Cache,
		invalidation: opts.Invalidation,
		monitor:      opts.Monitor,
		limiter:      opts.Limiter,
		credit:       opts.Credit,
		registry:     registry,
	}, nil
}

// Start begins serving. An empty ListenAddr leaves the server disabled.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.ListenAddr == "" {
		return nil
	}

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		listener = tls.NewListener(listener, s.cfg.TLSConfig)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
		}
	}()

	s.logger.Info("admin server started", "addr", listener.Addr().String(), "base_path", s.cfg.BasePath)
	return waitForConnect(ctx, listener.Addr().String())
}

// Shutdown stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, empty before Start. Useful when
// listening on ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route(s.cfg.BasePath, func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/report", s.handleReport)

		r.Route("/invalidate", func(r chi.Router) {
			r.Post("/keys", s.handleInvalidateKeys)
			r.Post("/pattern", s.handleInvalidatePattern)
			r.Post("/tags", s.handleInvalidateTags)
			r.Post("/user/{id}", s.handleInvalidateUser)
			r.Post("/tenant/{id}", s.handleInvalidateTenant)
		})

		r.Get("/schedule", s.handlePendingSchedules)
		r.Post("/schedule", s.handleSchedule)
		r.Delete("/schedule/{id}", s.handleCancelSchedule)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleAddRule)
			r.Delete("/{name}", s.handleRemoveRule)
		})

		r.Route("/blocks", func(r chi.Router) {
			r.Get("/{id}", s.handleBlockStatus)
			r.Post("/{id}", s.handleBlock)
			r.Delete("/{id}", s.handleUnblock)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.monitor.HealthCheck(r.Context())
	status := http.StatusOK
	if h.Status == monitoring.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

type statsResponse struct {
	Cache        cache.Stats         `json:"cache"`
	RateLimit    *ratelimit.Stats    `json:"rate_limit,omitempty"`
	Invalidation *invalidation.Stats `json:"invalidation,omitempty"`
	Credit       *creditcache.Stats  `json:"credit,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Cache: s.cache.Stats()}
	if s.limiter != nil {
		ls := s.limiter.Stats()
		resp.RateLimit = &ls
	}
	if is, err := s.invalidation.Stats(r.Context()); err != nil {
		s.logger.Warn("stats endpoint: invalidation stats unavailable", "error", err)
	} else {
		resp.Invalidation = &is
	}
	if s.credit != nil {
		cs := s.credit.Stats()
		resp.Credit = &cs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	window := 24
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive integer of hours")
			return
		}
		window = parsed
	}
	writeJSON(w, http.StatusOK, s.monitor.Report(r.Context(), window))
}

type invalidateKeysRequest struct {
	Keys   []string `json:"keys"`
	Reason string   `json:"reason"`
}

type invalidatePatternRequest struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

type invalidateTagsRequest struct {
	Tags   []string `json:"tags"`
	Reason string   `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type invalidateResponse struct {
	Removed int64 `json:"removed"`
}

func (s *Server) handleInvalidateKeys(w http.ResponseWriter, r *http.Request) {
	var req invalidateKeysRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys required")
		return
	}
	n, err := s.invalidation.InvalidateKeys(r.Context(), req.Keys, reasonOrManual(req.Reason), sourceAdmin)
	if err != nil {
		s.serverError(w, "invalidate keys", err)
		return
	}
	writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})
}

func (s *Server) handleInvalidatePattern(w http.ResponseWriter, r *http.Request) {
	var req invalidatePatternRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern required")
		return
	}
	n, err := s.invalidation.InvalidatePattern(r.Context(), req.Pattern, reasonOrManual(req.Reason), sourceAdmin)
	if err != nil {
		if errors.Is(err, invalidation.ErrInvalidPattern) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.serverError(w, "invalidate pattern", err)
		return
	}
	writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})
}

func (s *Server) handleInvalidateTags(w http.ResponseWriter, r *http.Request) {
	var req invalidateTagsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Tags) == 0 {
		writeError(w, http.StatusBadRequest, "tags required")
		return
	}
	n, err := s.invalidation.InvalidateTags(r.Context(), req.Tags, reasonOrManual(req.Reason), sourceAdmin)
	if err != nil {
		s.serverError(w, "invalidate tags", err)
		return
	}
	writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})
}

func (s *Server) handleInvalidateUser(w http.ResponseWriter, r *http.Request) {
	s.handleInvalidateIdentity(w, r, s.invalidation.InvalidateUser)
}

func (s *Server) handleInvalidateTenant(w http.ResponseWriter, r *http.Request) {
	s.handleInvalidateIdentity(w, r, s.invalidation.InvalidateTenant)
}

func (s *Server) handleInvalidateIdentity(w http.ResponseWriter, r *http.Request,
	invalidate func(ctx context.Context, id, reason, source string) (int64, error)) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	// The body is optional here; the identifier rides in the path.
	var req reasonRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	n, err := invalidate(r.Context(), id, reasonOrManual(req.Reason), sourceAdmin)
	if err != nil {
		s.serverError(w, "invalidate identity", err)
		return
	}
	writeJSON(w, http.StatusOK, invalidateResponse{Removed: n})
}

type scheduleRequest struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Delay  string `json:"delay"`
	Reason string `json:"reason"`
}

type scheduleResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	delay, ok := parseDelay(req.Delay)
	if !ok {
		writeError(w, http.StatusBadRequest, "delay must be a duration like 30s or 5m")
		return
	}
	target := invalidation.Target{Type: invalidation.Type(req.Type), Value: req.Value}
	id, err := s.invalidation.Schedule(r.Context(), target, delay, reasonOrManual(req.Reason), sourceAdmin)
	if err != nil {
		if errors.Is(err, invalidation.ErrInvalidRule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.serverError(w, "schedule invalidation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResponse{ID: id})
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.invalidation.CancelScheduled(id) {
		writeError(w, http.StatusNotFound, "no pending invalidation with id "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePendingSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"pending": s.invalidation.PendingScheduled()})
}

// ruleWire is the JSON shape of an invalidation rule on this API.
// Delays travel as duration strings; predicates are code and cannot be
// set over HTTP.
type ruleWire struct {
	Name    string                `json:"name"`
	Event   string                `json:"event"`
	Targets []invalidation.Target `json:"targets"`
	Delay   string                `json:"delay,omitempty"`
	Enabled *bool                 `json:"enabled,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.invalidation.Rules()
	out := make([]ruleWire, 0, len(rules))
	for _, rule := range rules {
		wire := ruleWire{
			Name:    rule.Name,
			Event:   rule.Event,
			Targets: rule.Targets,
			Enabled: &rule.Enabled,
		}
		if rule.Delay > 0 {
			wire.Delay = rule.Delay.String()
		}
		out = append(out, wire)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req ruleWire
	if !s.decodeBody(w, r, &req) {
		return
	}
	delay, ok := parseDelay(req.Delay)
	if !ok {
		writeError(w, http.StatusBadRequest, "delay must be a duration like 30s or 5m")
		return
	}
	rule := invalidation.Rule{
		Name:    req.Name,
		Event:   req.Event,
		Targets: req.Targets,
		Delay:   delay,
		Enabled: req.Enabled == nil || *req.Enabled,
	}
	if err := s.invalidation.AddRule(rule); err != nil {
		if errors.Is(err, invalidation.ErrInvalidRule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.serverError(w, "add rule", err)
		return
	}
	s.logger.Info("invalidation rule added", "rule", rule.Name, "event", rule.Event)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.invalidation.RemoveRule(name) {
		writeError(w, http.StatusNotFound, "no rule named "+name)
		return
	}
	s.logger.Info("invalidation rule removed", "rule", name)
	w.WriteHeader(http.StatusNoContent)
}

type blockRequest struct {
	Duration string `json:"duration"`
}

func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter not configured")
		return
	}
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]bool{"blocked": s.limiter.IsBlocked(r.Context(), id)})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter not configured")
		return
	}
	var req blockRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, "duration must be a positive duration like 5m")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.limiter.Block(r.Context(), id, d); err != nil {
		s.serverError(w, "block identifier", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.limiter.Unblock(r.Context(), id); err != nil {
		s.serverError(w, "unblock identifier", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes a required JSON body, writing the 400 itself when
// the body does not parse.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decode(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("admin request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseDelay(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

func reasonOrManual(reason string) string {
	if reason == "" {
		return "manual"
	}
	return reason
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(value)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func waitForConnect(ctx context.Context, address string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	return context.DeadlineExceeded
}
