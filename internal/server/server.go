package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"triagedeck/internal/app"
	"triagedeck/internal/identity"
	"triagedeck/internal/ratelimit"
	"triagedeck/internal/util"
	"triagedeck/pkg/domain"
)

const apiPrefix = "/api/v1"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Identity identity.Resolver

	RedisAddr         string
	RedisPassword     string
	EventsPerMinute   int
	ReadsPerMinute    int
	DisableRateLimits bool
	TrustedProxyCIDRs []string
}

// Server exposes the project-scoped review API.
type Server struct {
	app            *app.App
	identity       identity.Resolver
	mux            *http.ServeMux
	eventsLimiter  *ratelimit.Limiter
	readsLimiter   *ratelimit.Limiter
	trustedProxies *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("identity resolver is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		identity:       cfg.Identity,
		mux:            http.NewServeMux(),
		trustedProxies: trusted,
	}
	if !cfg.DisableRateLimits {
		eventsLimit := cfg.EventsPerMinute
		if eventsLimit <= 0 {
			eventsLimit = 60
		}
		readsLimit := cfg.ReadsPerMinute
		if readsLimit <= 0 {
			readsLimit = 600
		}
		newLimiter := func(name string, limit int) (*ratelimit.Limiter, error) {
			limiter, err := ratelimit.New(ratelimit.Config{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				Prefix:   "triagedeck:ratelimit:" + name,
				Limit:    limit,
				Window:   time.Minute,
			})
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		var err error
		if s.eventsLimiter, err = newLimiter("events", eventsLimit); err != nil {
			return nil, err
		}
		if s.readsLimiter, err = newLimiter("reads", readsLimit); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain.
func (s *Server) Router() http.Handler {
	handler := util.WithRequestID(util.WithRequestLog(s.mux))
	return util.WithSecurityHeaders(util.WithCORS(handler))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.Handle("GET "+apiPrefix+"/projects", s.authenticated(s.readsLimiter, s.handleListProjects))

	s.mux.Handle("GET "+apiPrefix+"/projects/{pid}/config", s.project(s.readsLimiter, s.handleConfig))
	s.mux.Handle("GET "+apiPrefix+"/projects/{pid}/items", s.project(s.readsLimiter, s.handleListItems))
	s.mux.Handle("GET "+apiPrefix+"/projects/{pid}/items/{iid}", s.project(s.readsLimiter, s.handleGetItem))
	s.mux.Handle("GET "+apiPrefix+"/projects/{pid}/items/{iid}/url", s.project(s.readsLimiter, s.handleItemURL))
	s.mux.Handle("POST "+apiPrefix+"/projects/{pid}/events", s.project(s.eventsLimiter, s.handleIngestEvents))
	s.mux.Handle("GET "+apiPrefix+"/projects/{pid}/decisions", s.project(s.readsLimiter, s.handleListDecisions))
	s.mux.Handle("POST "+apiPrefix+"/projects/{pid}/exports", s.project(s.readsLimiter, s.handleCreateExport))
	s.mux.Handle("GET "+apiPrefix+"/projects/{pid}/exports", s.project(s.readsLimiter, s.handleListExports))
	s.mux.Handle("GET "+apiPrefix+"/projects/{pid}/exports/{eid}", s.project(s.readsLimiter, s.handleGetExport))
	s.mux.Handle("DELETE "+apiPrefix+"/projects/{pid}/exports/{eid}", s.project(s.readsLimiter, s.handleCancelExport))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": domain.NowMS()})
}

type authHandler func(http.ResponseWriter, *http.Request, identity.Caller)

// authenticated resolves the caller and applies the per-user rate
// ceiling before dispatching.
func (s *Server) authenticated(limiter *ratelimit.Limiter, next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.identity.Resolve(r)
		if err != nil {
			s.audit(r, "authenticate", "fail")
			writeError(w, app.Unauthorized())
			return
		}
		if limiter != nil && !limiter.Allow(r.Context(), caller.ID) {
			s.audit(r, "rate_limit", "fail", "user_id", caller.ID)
			writeError(w, app.RateLimited("Rate limit exceeded"))
			return
		}
		next(w, r, caller)
	})
}

type projectHandler func(http.ResponseWriter, *http.Request, identity.Caller, app.ProjectContext)

// project resolves the {pid} scope on top of authentication.
// Non-members observe 404 before anything else leaks.
func (s *Server) project(limiter *ratelimit.Limiter, next projectHandler) http.Handler {
	return s.authenticated(limiter, func(w http.ResponseWriter, r *http.Request, caller identity.Caller) {
		pc, err := s.app.ResolveProject(r.Context(), r.PathValue("pid"), caller)
		if err != nil {
			fail(w, r, err)
			return
		}
		next(w, r, caller, pc)
	})
}

// audit emits a structured security event for failed authentication
// and throttled requests.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	slog.Warn("security_event", logAttrs...)
}

// parseLimit reads the optional limit query parameter. Range clamping
// happens in the app layer; only non-numeric input is rejected here.
func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, app.BadRequest("bad_request", "limit must be a positive integer")
	}
	return limit, nil
}
