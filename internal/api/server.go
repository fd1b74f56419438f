// Package api is the REST control plane: thin handlers that validate,
// authenticate, enqueue, or read cached results. All heavy work happens in
// workers; no endpoint blocks on analysis.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/observability"
	"github.com/walletscope/walletscope/internal/queue"
	"github.com/walletscope/walletscope/internal/scheduler"
	"github.com/walletscope/walletscope/internal/store"
)

// JobService is the slice of the queue service the control plane consumes.
type JobService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, bool, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	Stats(ctx context.Context, queueName string) (queue.Stats, error)
	Pause(ctx context.Context, queueName string) error
	Resume(ctx context.Context, queueName string) error
}

// AnalysisScheduler runs the dashboard gate chain.
type AnalysisScheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
}

// principalKey carries the authenticated principal through the request
// context.
type contextKey string

const principalKey contextKey = "principal"

// demoPrefix marks demo credentials; demo principals only touch wallets on
// the allow-list.
const demoPrefix = "demo"

// principal is the authenticated caller. Authentication itself is delegated;
// the control plane only checks a credential is present.
type principal struct {
	token string
}

func (p principal) demo() bool {
	return strings.HasPrefix(p.token, demoPrefix)
}

// Server owns the HTTP routing and its dependencies.
type Server struct {
	store       store.Store
	jobs        JobService
	scheduler   AnalysisScheduler
	scopeParams scheduler.ScopeParamsFunc
	socket      http.Handler
	metrics     http.Handler
	readyChecks []observability.ReadyCheck
	demoWallets map[string]struct{}
	frontendURL string
	logger      *slog.Logger
}

// Options configures a Server.
type Options struct {
	Store     store.Store
	Jobs      JobService
	Scheduler AnalysisScheduler
	// ScopeParams sizes dedupe TTLs for generic analyze enqueues.
	ScopeParams scheduler.ScopeParamsFunc
	// Socket serves the WebSocket gateway at /socket.io. Nil disables it.
	Socket http.Handler
	// Metrics serves Prometheus scrapes at /metrics. Nil disables it.
	Metrics http.Handler
	// ReadyChecks back /readyz. Typically Redis and Postgres pings.
	ReadyChecks []observability.ReadyCheck
	// DemoWallets is the wallet allow-list enforced for demo principals.
	// Empty disables demo restrictions.
	DemoWallets map[string]struct{}
	// FrontendURL is the CORS-allowed dashboard origin.
	FrontendURL string
	Logger      *slog.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.ScopeParams == nil {
		opts.ScopeParams = func(scope domain.Scope) domain.ScopeParams {
			params, _ := domain.DefaultScopeParams(scope)

			return params
		}
	}

	return &Server{
		store:       opts.Store,
		jobs:        opts.Jobs,
		scheduler:   opts.Scheduler,
		scopeParams: opts.ScopeParams,
		socket:      opts.Socket,
		metrics:     opts.Metrics,
		readyChecks: opts.ReadyChecks,
		demoWallets: opts.DemoWallets,
		frontendURL: opts.FrontendURL,
		logger:      opts.Logger,
	}
}

// Router builds the full HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Handle("/healthz", observability.HealthHandler())
	r.Handle("/readyz", observability.ReadyHandler(s.readyChecks...))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	if s.socket != nil {
		r.Handle("/socket.io", s.socket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/analyses/wallets/dashboard-analysis", s.handleDashboardAnalysis)

		r.Post("/jobs/wallets/sync", s.handleSyncWallet)
		r.Post("/jobs/wallets/analyze", s.handleAnalyzeWallet)
		r.Post("/jobs/similarity/analyze", s.handleSimilarity)

		r.Get("/jobs/queue/{queueName}/stats", s.handleQueueStats)
		r.Post("/jobs/queue/{queueName}/pause", s.handleQueuePause)
		r.Post("/jobs/queue/{queueName}/resume", s.handleQueueResume)

		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/progress", s.handleJobProgress)
		r.Get("/jobs/{jobID}/result", s.handleJobResult)

		r.Get("/wallets/{address}/summary", s.handleWalletSummary)
		r.Get("/wallets/{address}/token-performance", s.handleTokenPerformance)
		r.Get("/wallets/{address}/behavior", s.handleWalletBehavior)
		r.Put("/wallets/{address}/classification", s.handleSetClassification)
	})

	return r
}

// requestLogger logs one line per request after it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// cors admits the configured dashboard origin. An empty FrontendURL reflects
// any origin, which suits local development.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && (s.frontendURL == "" || origin == s.frontendURL) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth checks a credential is present: a Bearer token or an X-API-Key
// header. Verification is delegated to the fronting proxy.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}

		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "missing credentials"))

			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal{token: token})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}

	return strings.TrimSpace(token)
}

// allowWallet enforces the demo allow-list for demo principals.
func (s *Server) allowWallet(r *http.Request, address string) error {
	if len(s.demoWallets) == 0 {
		return nil
	}

	p, ok := r.Context().Value(principalKey).(principal)
	if !ok || !p.demo() {
		return nil
	}

	if _, allowed := s.demoWallets[address]; !allowed {
		return domain.Errorf(domain.KindRestricted, "wallet %s is not in the demo allow-list", address)
	}

	return nil
}
