package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shopfront/internal/cache"
	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/handler"
	"github.com/xenking/shopfront/internal/storage/postgres"
	"github.com/xenking/shopfront/internal/storage/sqlite"
	"github.com/xenking/shopfront/pkg/health"
	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

// backend is an opened storage backend.
type backend struct {
	store  order.Store
	tokens auth.Repository
	ping   health.CheckFunc
	close  func()
}

func openBackend(ctx context.Context, cfg DatabaseConfig) (*backend, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		return &backend{
			store:  s,
			tokens: s.Tokens(),
			ping:   s.Ping,
			close:  func() { _ = s.Close() },
		}, nil
	default:
		pool, err := postgres.NewPool(ctx, cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		s := postgres.NewStore(pool)
		return &backend{
			store:  s,
			tokens: s.Tokens(),
			ping:   s.Ping,
			close:  pool.Close,
		}, nil
	}
}

// service is the fully wired application.
type service struct {
	db      *backend
	health  *health.Health
	handler http.Handler
	closers []func()
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// build creates all dependencies and the HTTP handler. The caller must call
// close on the result.
func build(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) (_ *service, rerr error) {
	db, err := openBackend(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	s := &service{db: db, health: health.New(), closers: []func(){db.close}}
	defer func() {
		if rerr != nil {
			s.close()
		}
	}()

	s.health.AddReadinessCheck(cfg.Database.Driver, 5*time.Second, db.ping)
	s.health.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	s.health.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second), health.WithThresholds(3, 1))

	// Carts, optionally cached in Redis.
	var cartCache cart.Cache
	if cfg.Redis.Addr != "" {
		opts, err := cfg.Redis.redisOptions()
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opts)
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		s.health.AddReadinessCheck("redis", time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}, health.WithThresholds(3, 1))
		cartCache = cache.NewCartCache(rdb, cfg.Redis.CartTTL)
		lg.Info("Cart cache enabled", zap.Duration("ttl", cfg.Redis.CartTTL))
	}
	carts := cart.NewService(db.store.Carts(), db.store.Products(), cartCache)

	// Order ledger.
	pricing, err := order.NewPricing(cfg.Currency)
	if err != nil {
		return nil, errors.Wrap(err, "pricing")
	}
	allocOpts := []order.AllocatorOption{order.WithMaxAttempts(cfg.Checkout.MaxAllocationAttempts)}
	if cfg.Checkout.ExpectedOrders > 0 {
		allocOpts = append(allocOpts, order.WithFilter(cfg.Checkout.ExpectedOrders))
	}
	orders, err := order.NewService(db.store, order.Options{
		Pricing:           pricing,
		Allocator:         order.NewAllocator(allocOpts...),
		Carts:             carts,
		MaxInsertAttempts: cfg.Checkout.MaxInsertAttempts,
		MeterProvider:     m.MeterProvider(),
		TracerProvider:    m.TracerProvider(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create order service")
	}
	if err := orders.PrimeAllocator(ctx); err != nil {
		return nil, err
	}

	// HTTP.
	h := handler.New(handler.Config{ImageBaseURL: cfg.ImageBaseURL}, db.store.Products(), carts, orders)
	security := handler.NewSecurity(db.tokens, []byte(cfg.TokenPepper))

	router := chi.NewRouter()
	router.Get("/livez", s.health.LiveEndpoint)
	router.Get("/readyz", s.health.ReadyEndpoint)
	router.Mount("/", h.Routes(security))
	routeFinder := httpmiddleware.MakeRouteFinder(router)

	s.handler = httpmiddleware.Wrap(router,
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "Authorization", "api_key"},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: httpmiddleware.CredentialKeyFunc,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Instrument("shop-api", routeFinder, m),
		httpmiddleware.LogRequests(routeFinder),
		httpmiddleware.Labeler(routeFinder),
	)
	return s, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("database", cfg.Database.Driver),
		zap.String("currency", cfg.Currency),
	)

	s, err := build(ctx, zctx.From(ctx), m, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           s.handler,
	}

	s.health.Start(ctx, 10*time.Second)
	s.health.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.SetReady(false)
		defer s.health.Stop()

		// Skip the drain delay when the listener itself failed.
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	return g.Wait()
}
