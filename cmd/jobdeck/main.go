package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobdeck/internal/api"
	"jobdeck/internal/auth"
	"jobdeck/internal/backend"
	"jobdeck/internal/config"
	"jobdeck/internal/dispatch"
	"jobdeck/internal/realtime"
	"jobdeck/internal/schema"
	"jobdeck/internal/supervisor"
	"jobdeck/internal/ws"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfg := config.Load()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
	case "token":
		if err := printToken(cfg, os.Args[2:]); err != nil {
			log.Fatalf("Token failed: %v", err)
		}
		return
	default:
		log.Fatalf("Unknown command: %s (use 'serve' or 'token')", cmd)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	client := backend.New(cfg, nil, logger.Named("backend"))

	sub, closeSub, err := subscription(ctx, cfg, logger.Named("realtime"))
	if err != nil {
		return err
	}
	defer closeSub()

	sup := supervisor.New(client, sub, supervisor.OptionsFromConfig(cfg), logger.Named("supervisor"))
	disp := dispatch.New(client, sup, dispatch.OptionsFromConfig(cfg), logger.Named("dispatch"))
	hub := ws.NewHub(logger.Named("ws"))

	deps := api.Dependencies{
		Sync:           sup,
		Actions:        disp,
		Hub:            hub,
		Schemas:        schema.NewCompiler(16),
		JWT:            auth.NewJWTConfig(cfg.JWTSecret),
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Log:            logger.Named("api"),
	}
	deps.Attach()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Routes(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error {
		logger.Info("Starting server",
			zap.String("addr", cfg.Addr),
			zap.String("api_url", cfg.APIURL),
			zap.String("realtime", cfg.RealtimeDriver),
			zap.Bool("auth", deps.JWT.Enabled()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// subscription builds the push channel for the configured driver.
func subscription(ctx context.Context, cfg config.Config, logger *zap.Logger) (realtime.Subscription, func(), error) {
	switch cfg.RealtimeDriver {
	case config.DriverWebSocket:
		return realtime.NewWebSocket(cfg.SocketURL, logger), func() {}, nil
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not reachable yet, the supervisor will poll until it is", zap.Error(err))
		}
		return realtime.NewRedis(rdb, cfg.RedisChannel, logger), func() { rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown realtime driver %q", cfg.RealtimeDriver)
	}
}

func printToken(cfg config.Config, args []string) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	subject := "operator"
	if len(args) > 0 {
		subject = args[0]
	}
	token, err := auth.NewJWTConfig(cfg.JWTSecret).Issue(subject, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
