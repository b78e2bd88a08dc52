package server

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"himalaya/native/migration"
	"himalaya/services/migratord/bridge"
)

// Service is the orchestrator surface exposed over HTTP.
type Service interface {
	Submit(ctx context.Context, req migration.Request) (migration.Key, error)
	Get(ctx context.Context, key migration.Key) (*migration.Record, error)
	History(ctx context.Context, key migration.Key) ([]migration.StateChange, error)
	Cancel(ctx context.Context, key migration.Key) (*migration.Record, error)
	MarkRefunding(ctx context.Context, key migration.Key, reason string) (*migration.Record, error)
	MarkRefunded(ctx context.Context, key migration.Key, note string) (*migration.Record, error)
	ForceSettle(ctx context.Context, key migration.Key, amount *big.Int, reason string) error
	migration.DeliveryHandler
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Service Service
	Buffer  migration.LiquidityBuffer
	DB      *gorm.DB
	// Verifier authenticates relayer webhooks; nil leaves the webhook routes
	// unmounted.
	Verifier       *bridge.Verifier
	Auth           AuthConfig
	RateLimit      RateLimit
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	service  Service
	buffer   migration.LiquidityBuffer
	db       *gorm.DB
	verifier *bridge.Verifier
	auth     *authenticator
	limiter  *rateLimiter
	idemTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	srv := &Server{
		service:  cfg.Service,
		buffer:   cfg.Buffer,
		db:       cfg.DB,
		verifier: cfg.Verifier,
		auth:     newAuthenticator(cfg.Auth, logger),
		limiter:  newRateLimiter(cfg.RateLimit, now),
		idemTTL:  cfg.IdempotencyTTL,
		logger:   logger,
		now:      now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(s.limiter.middleware("submit"), withIdempotency(s.db, s.idemTTL, s.now)).
			Post("/migrations", s.submit)
		v1.Get("/migrations/{key}", s.getMigration)
		v1.Get("/migrations/{key}/history", s.history)
		v1.With(s.limiter.middleware("cancel")).Post("/migrations/{key}/cancel", s.cancel)

		if s.verifier != nil {
			v1.Post("/bridge/delivered", s.delivered)
			v1.Post("/bridge/failed", s.failed)
		}

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.require(AdminScope))
			admin.Post("/migrations/{key}/refunding", s.markRefunding)
			admin.Post("/migrations/{key}/refunded", s.markRefunded)
			admin.Post("/buffer/{key}/force-settle", s.forceSettle)
			admin.Put("/buffer/capacity", s.setCapacity)
			admin.Get("/buffer/pools", s.pools)
			admin.Get("/buffer/overdue", s.overdue)
		})
	})
	return otelhttp.NewHandler(r, "migratord")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil || sqlDB.PingContext(r.Context()) != nil {
			writeMessage(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequestf("%s must be a hex address", field)
	}
	return common.HexToAddress(raw), nil
}
