package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"rimborsi/internal/audit"
	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/middleware/ratelimit"
	"rimborsi/internal/middleware/security"
	"rimborsi/internal/services"
	"rimborsi/internal/storage"
)

// ExpenseAPI is the ledger side used by the handlers. *services.ExpenseService satisfies it.
type ExpenseAPI interface {
	RecordExpense(ctx context.Context, in services.RecordExpenseInput) (*core.Expense, error)
	CreateCategory(ctx context.Context, c core.Category) (*core.Category, error)
	ListCategories(ctx context.Context) ([]core.Category, error)
}

// ReimbursementAPI is the reconciliation engine. *services.ReimbursementService satisfies it.
type ReimbursementAPI interface {
	Link(ctx context.Context, in services.LinkInput) (*core.ReimbursementLink, error)
	PrepareUnlink(ctx context.Context, linkID string) (*services.DryRun, error)
	Unlink(ctx context.Context, linkID, approvalToken string) error
	Close(ctx context.Context, in services.CloseInput) (*core.ReimbursementSummary, error)
	Reopen(ctx context.Context, expenseOutID string) (*core.ReimbursementSummary, error)
	SetReimbursable(ctx context.Context, in services.SetReimbursableInput) (*core.ReimbursementSummary, error)
	GetReimbursement(ctx context.Context, expenseID string) (*core.ReimbursementSummary, error)
	ListOutstanding(ctx context.Context, from, to *time.Time) ([]core.ReimbursementSummary, error)
	AutoMatch(ctx context.Context, from, to *time.Time) (*core.AutoMatchSummary, error)
	CreateCategoryRule(ctx context.Context, in services.CategoryRuleInput) (*core.CategoryRule, error)
	ListCategoryRules(ctx context.Context, filter storage.RuleFilter) ([]core.CategoryRule, error)
	PrepareDeleteCategoryRule(ctx context.Context, ruleID string) (*services.DryRun, error)
	DeleteCategoryRule(ctx context.Context, ruleID, approvalToken string) error
}

// AutoMatchDispatcher hands an auto-match run to the worker. *amqp.Client satisfies it.
type AutoMatchDispatcher interface {
	PublishAutoMatchRequest(ctx context.Context, from, to *time.Time) error
}

type Config struct {
	Addr           string
	Logger         *log.Logger
	AllowedOrigins []string
	// RequestsPerMinute caps mutating calls per client. Zero uses the limiter default.
	RequestsPerMinute int
	// Ready backs /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
	// Dispatcher enables ?async=true on auto-match. Optional.
	Dispatcher AutoMatchDispatcher
}

type Server struct {
	http.Server
	expenses       ExpenseAPI
	reimbursements ReimbursementAPI
	dispatcher     AutoMatchDispatcher
	ready          func(ctx context.Context) error
	limiter        *ratelimit.Limiter
	detector       *security.Detector
	logger         *log.Logger

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(cfg Config, expenses ExpenseAPI, reimbursements ReimbursementAPI) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}

	s := &Server{
		expenses:       expenses,
		reimbursements: reimbursements,
		dispatcher:     cfg.Dispatcher,
		ready:          cfg.Ready,
		limiter:        ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RequestsPerMinute}),
		detector:       security.NewDetector(),
		logger:         logger.WithComponent(log.ComponentHTTP),
	}
	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(log.Middleware(s.logger))
	r.Use(log.RequestLogger)
	r.Use(s.detector.Middleware)
	r.Use(security.Headers(security.DefaultHeadersConfig()))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", headerActor, headerApprovalToken, middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Throttle(100))
		r.Use(s.limiter.Middleware(s.detector.ExtractClientIP, rateLimited))
		r.Use(withActor)

		r.Get("/categories", s.handleListCategories)
		r.Post("/categories", s.handleCreateCategory)

		r.Post("/expenses", s.handleRecordExpense)
		r.Route("/expenses/{id}", func(r chi.Router) {
			r.Get("/reimbursement", s.handleGetReimbursement)
			r.Put("/reimbursable", s.handleSetReimbursable)
			r.Post("/reimbursement/close", s.handleClose)
			r.Post("/reimbursement/reopen", s.handleReopen)
		})

		r.Route("/reimbursements", func(r chi.Router) {
			r.Post("/links", s.handleLink)
			r.Delete("/links/{id}", s.handleUnlink)
			r.Post("/auto-match", s.handleAutoMatch)
			r.Get("/outstanding", s.handleListOutstanding)
			r.Get("/category-rules", s.handleListCategoryRules)
			r.Post("/category-rules", s.handleUpsertCategoryRule)
			r.Delete("/category-rules/{id}", s.handleDeleteCategoryRule)
		})
	})

	return r
}

// withActor stores the X-Actor header (default "api") for the audit trail.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithActor(r.Context(), actorFrom(r, audit.ActorAPI))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "Readiness check failed", log.FieldError, err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Shutdown stops the rate limiter and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}
