package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/webrtc-calling/config"
	"github.com/mossy-p/webrtc-calling/internal/handlers"
	"github.com/mossy-p/webrtc-calling/internal/logger"
	"github.com/mossy-p/webrtc-calling/internal/redis"
	"github.com/mossy-p/webrtc-calling/internal/signaling"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	sugar, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer sugar.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		sugar.Fatalw("Failed to connect to Redis", "error", err)
	}
	defer client.Close()

	sugar.Infow("Redis connection established", "host", cfg.Redis.Host, "port", cfg.Redis.Port)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	backend := signaling.NewRedisBackend(client, sugar.Named("backend"))
	router := handlers.NewRouter(backend, handlers.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
	}, sugar.Named("relay"))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("Starting call signaling server", "port", cfg.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Stop server when ctx ends
	g.Go(func() error {
		<-gCtx.Done()
		sugar.Infow("Shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("Server stopped with error", "error", err)
		os.Exit(1)
	}
}
