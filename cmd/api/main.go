package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/app"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/config"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/feed"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/search"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/session"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	defer searchService.Close()

	redisFeed, err := feed.NewRedisFeed(cfg.RedisURL, cfg.FeedPrefix)
	if err != nil {
		log.Fatalf("redis feed connection failed: %v", err)
	}
	defer redisFeed.Close()

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis session connection failed: %v", err)
	}
	defer sessions.Close()

	service := app.New(cfg, dataStore, redisFeed, sessions, searchService)
	defer service.Close()

	if meiliClient != nil {
		go func() {
			reindexCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			count, err := searchService.ReindexAllFromPG(reindexCtx)
			if err != nil {
				log.Printf("search: bootstrap reindex: %v", err)
				return
			}
			log.Printf("search: indexed %d comments", count)
		}()
	}

	// Cancelled on shutdown so open comment streams end.
	baseCtx, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: comment streams stay open.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		log.Printf("Agency comments API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopStreams()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
