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

	"vitaltwin/backend/internal/auth"
	"vitaltwin/backend/internal/config"
	"vitaltwin/backend/internal/db"
	"vitaltwin/backend/internal/server"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connect failed: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("database ping failed: %v", err)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("database schema setup failed: %v", err)
	}
	if err := server.ValidateRuntimeSchema(ctx, pool); err != nil {
		log.Fatalf("database schema mismatch: %v", err)
	}

	verifier := auth.NewVerifier(
		cfg.AuthDomain,
		cfg.AuthAudience,
		time.Duration(cfg.JWKSTTLSeconds)*time.Second,
		&http.Client{Timeout: 10 * time.Second},
	)
	llm := server.NewGeminiClient(
		cfg.LLMAPIBase,
		cfg.LLMAPIKey,
		cfg.LLMModel,
		time.Duration(cfg.LLMTimeoutSeconds)*time.Second,
		cfg.LLMMaxOutputTokens,
	)

	app := server.New(cfg, pool, llm, verifier)
	httpServer := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("vitaltwin api listening on http://localhost:%s", cfg.AppPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
