package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reachinbox/courier/internal/api"
	"github.com/reachinbox/courier/internal/clock"
	"github.com/reachinbox/courier/internal/config"
	"github.com/reachinbox/courier/internal/core"
	"github.com/reachinbox/courier/internal/mailer"
	"github.com/reachinbox/courier/internal/ratelimit"
	"github.com/reachinbox/courier/internal/store"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	if cfg.Store.DSN == "" {
		log.Fatal("store DSN is required (set DATABASE_URL or store.dsn)")
	}

	db, err := sql.Open("postgres", cfg.Store.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to PostgreSQL")

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid redis URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	log.Println("Connected to Redis")

	st := store.New(db)
	clk := clock.Real{}
	limiter := ratelimit.New(rdb, st, clk)

	smtpMailer, err := mailer.NewSMTP(mailer.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		Timeout:  time.Duration(cfg.SMTP.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to configure mailer: %v", err)
	}

	c := core.New(st, limiter, smtpMailer, clk, core.Config{
		MaxEmailsPerHour:   cfg.Sending.MaxEmailsPerHour,
		DelayBetweenEmails: time.Duration(cfg.Sending.DelayBetweenEmailsMs) * time.Millisecond,
		WorkerConcurrency:  cfg.Sending.WorkerConcurrency,
		MailerFrom:         cfg.Sending.MailerFrom,
		MaxAttempts:        cfg.Sending.MaxAttempts,
		LeaseDuration:      time.Duration(cfg.Sending.LeaseDurationSec) * time.Second,
	})
	if err := c.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start core: %v", err)
	}

	checks := map[string]api.HealthCheck{
		"postgres": func() error { return db.Ping() },
		"redis": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return rdb.Ping(ctx).Err()
		},
	}
	server := api.NewServer(c, checks)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	c.Stop()
	log.Println("Server stopped")
}
