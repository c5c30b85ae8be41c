// Package server is the composition root: it opens the shards, builds the
// services and mounts the routes.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → sqlite.ShardSet ─┬→ notify.Dispatcher ─┐
//	                                 │                      ├→ ChannelService → handlers
//	              cache.Flags ───────┼──────────────────────┘
//	                                 └→ notify.Pool (workers, Sender router)
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/sakif/channel-lifecycle/internal/auth"
	"github.com/sakif/channel-lifecycle/internal/cache"
	"github.com/sakif/channel-lifecycle/internal/config"
	"github.com/sakif/channel-lifecycle/internal/handler"
	"github.com/sakif/channel-lifecycle/internal/middleware"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/notify"
	sqliteRepo "github.com/sakif/channel-lifecycle/internal/repository/sqlite"
	"github.com/sakif/channel-lifecycle/internal/service"
)

// BounceSecretHeader carries CHANNELS_BOUNCE_SECRET on webhook calls.
const BounceSecretHeader = "X-Bounce-Secret"

// Server owns every long-lived resource. Start closes them on shutdown.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger

	shards *sqliteRepo.ShardSet
	redis  *redis.Client // nil when flags are in-memory
	pool   *notify.Pool

	channels *service.ChannelService
	accounts *service.AccountService
	tokens   *auth.TokenService // nil when CHANNELS_JWT_SECRET is unset
}

// New wires the server. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	shards, err := sqliteRepo.Open(cfg.Shards)
	if err != nil {
		return nil, fmt.Errorf("opening shards: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		shards: shards,
	}

	if err := s.wire(ctx); err != nil {
		s.close()
		return nil, err
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) wire(ctx context.Context) error {
	cfg := s.config

	// === DEBOUNCE FLAGS ===
	var flags cache.Flags = cache.NewMemoryFlags()
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cache.DefaultConnectOptions(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), s.logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		s.redis = client
		flags = cache.NewRedisFlags(client)
	} else {
		s.logger.Warn("CHANNELS_REDIS_ADDR not set; debounce flags are per process")
	}

	// === AUTH ===
	if cfg.JWTSecret != "" {
		tokens, err := auth.NewTokenService(cfg.JWTSecret)
		if err != nil {
			return err
		}
		s.tokens = tokens
	} else {
		s.logger.Warn("CHANNELS_JWT_SECRET not set; authenticated routes will reject every request")
	}

	// === DELIVERY ===
	senders := notify.NewRouter(notify.NewLogSender(s.logger))
	if cfg.SendGridKey != "" {
		senders.Handle(model.PathEmail, notify.NewSendGridSender(cfg.SendGridKey, "Channel Lifecycle", cfg.MailFrom))
	}

	poolCfg := notify.DefaultPoolConfig()
	poolCfg.Workers = cfg.Workers
	poolCfg.Poll = cfg.WorkerPoll
	s.pool = notify.NewPool(s.shards.Jobs(), senders, poolCfg, s.logger)

	// === SERVICES ===
	var policies []service.TrustPolicy
	if len(cfg.TrustedRedirectHosts) > 0 {
		policies = append(policies, service.HostPolicy(cfg.TrustedRedirectHosts...))
	}

	s.channels = service.NewChannelService(
		s.shards,
		notify.NewDispatcher(s.shards.Jobs(), s.logger),
		flags,
		service.Config{
			DefaultCountryCode:  cfg.DefaultCountryCode,
			MaxBounceShards:     cfg.MaxBounceShards,
			BlockedEmailDomains: cfg.BlockedEmailDomains,
			TrustPolicies:       policies,
		},
		s.logger,
	)
	s.accounts = service.NewAccountService(s.channels, s.tokens, auth.NewPasswordService(), s.logger)
	return nil
}

// setupRoutes mounts every endpoint.
//
// ROUTE STRUCTURE:
//
//	POST /api/register                           public
//	POST /api/login, /api/logout                 public
//	POST /api/password/forgot, /api/password/reset
//	GET|POST /api/channels/{channelID}/confirm   public, token optional (force-confirm)
//	POST /api/bounces                            shared secret
//	everything else under /api                   token required
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	accountHandler := handler.NewAccountHandler(s.accounts, s.channels, s.logger)
	channelHandler := handler.NewChannelHandler(s.channels, s.logger)
	bounceHandler := handler.NewBounceHandler(s.channels, s.logger)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/register", accountHandler.HandleRegister)
		r.Post("/login", accountHandler.HandleLogin)
		r.Post("/logout", accountHandler.HandleLogout)
		r.Post("/password/forgot", accountHandler.HandleForgotPassword)
		r.Post("/password/reset", accountHandler.HandleResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(auth.OptionalAuth(s.tokens))
			r.Get("/channels/{channelID}/confirm", channelHandler.HandleConfirm)
			r.Post("/channels/{channelID}/confirm", channelHandler.HandleConfirm)
		})

		if s.config.BounceSecret != "" {
			r.With(middleware.SharedSecret(BounceSecretHeader, s.config.BounceSecret)).
				Post("/bounces", bounceHandler.HandleBounce)
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.tokens))

			r.Get("/me", accountHandler.HandleMe)
			r.Get("/users/{userID}", accountHandler.HandleGetUser)
			r.Get("/users/{userID}/channels", channelHandler.HandleList)
			r.Post("/users/{userID}/channels", channelHandler.HandleCreate)
			r.Put("/users/{userID}/channels/order", channelHandler.HandleReorder)
			r.Put("/users/{userID}/otp-channel", channelHandler.HandleSetOTPChannel)

			r.Get("/channels/{channelID}", channelHandler.HandleGet)
			r.Post("/channels/{channelID}/retire", channelHandler.HandleRetire)
			r.Post("/channels/{channelID}/reactivate", channelHandler.HandleReactivate)
			r.Post("/channels/{channelID}/reset-bounce-count", channelHandler.HandleResetBounceCount)
			r.Post("/channels/{channelID}/request-confirmation", channelHandler.HandleRequestConfirmation)
			r.Get("/channels/{channelID}/merge-candidates", channelHandler.HandleMergeCandidates)
			r.Post("/channels/{channelID}/otp", channelHandler.HandleSendOTP)
		})
	})
}

// Handler exposes the router, for tests and for embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the delivery workers and the HTTP server until SIGINT/SIGTERM.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting connections and drain in-flight requests (30s)
//  2. Stop the workers and wait for them to exit
//  3. Close Redis and every shard
func (s *Server) Start() error {
	defer s.close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.pool.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.Int("port", s.config.Port), slog.Any("config", *s.config))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// close releases resources in reverse order of creation.
func (s *Server) close() {
	if s.pool != nil {
		s.pool.Stop()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("closing redis", slog.String("error", err.Error()))
		}
	}
	if err := s.shards.Close(); err != nil {
		s.logger.Warn("closing shards", slog.String("error", err.Error()))
	}
}
