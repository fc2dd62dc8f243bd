package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codealong/internal/api"
	"codealong/internal/commit"
	"codealong/internal/config"
	"codealong/internal/db"
	"codealong/internal/realtime"
	"codealong/internal/repository"
	"codealong/internal/telemetry"
)

func main() {
	log.Println("Starting codealong server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Tracing comes up first so everything after runs inside spans.
	jaegerShutdown, err := telemetry.InitJaeger("codealong", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	lectureRepo := repository.NewLectureRepository(database.DB)
	studentRepo := repository.NewStudentRepository(database.DB)

	// Optional cross-instance relay; a single instance runs without Redis.
	var relay *realtime.Relay
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		relay, err = realtime.NewRelay(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		log.Println("✓ Broadcast relay connected")
	}

	// The hub fans edits out immediately; the commit buffer orders and
	// persists them behind it, reporting back through the hub when a
	// session's stream cannot be committed.
	hub := realtime.NewHub(nil, lectureRepo, relay)
	buffer := commit.New(commit.GormChangeLog{Repo: lectureRepo}, hub)
	hub.SetCommitter(buffer)

	hub.Start() // also starts the relay subscription when one is configured
	buffer.Start(cfg.CommitFlushInterval)

	handler := api.NewHandler(lectureRepo, studentRepo, buffer)
	router := api.SetupRoutes(handler, hub.ServeWS)

	addr := cfg.ServerAddr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("✓ Server listening on http://%s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}

	// Stop the buffer before the hub: its final flush may still need to
	// notify clients about commit failures.
	buffer.Stop()
	hub.Shutdown()

	log.Println("✓ Server shutdown complete")
}
