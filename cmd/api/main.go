package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"prize-wheel-api/internal/allocator"
	"prize-wheel-api/internal/cache"
	"prize-wheel-api/internal/config"
	"prize-wheel-api/internal/database"
	"prize-wheel-api/internal/events"
	"prize-wheel-api/internal/features"
	"prize-wheel-api/internal/handler"
	"prize-wheel-api/internal/middleware"
	"prize-wheel-api/internal/service"
	"prize-wheel-api/internal/signing"
	"prize-wheel-api/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file")
	seedInventory := flag.Bool("seed-inventory", false, "Generate the inventory calendar at startup if empty")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize tracing
	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "prize-wheel-api",
		Environment: cfg.Tracing.Environment,
	}); err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Initialize cache (Redis when configured, in-memory otherwise)
	var store cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.RedisAddr != "" {
			redisCache, err := cache.NewRedisCache(cfg.Cache.RedisAddr, "", cfg.Cache.RedisDB)
			if err != nil {
				log.Printf("Redis unavailable (%v), falling back to in-memory cache", err)
				store = cache.NewInMemoryCache()
			} else {
				store = redisCache
				log.Printf("Cache: redis at %s", cfg.Cache.RedisAddr)
			}
		} else {
			store = cache.NewInMemoryCache()
		}
	}

	// Feature flags
	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, cfg.Cache.Enabled, "Cache wheel-display responses")
	flags.Register(features.FeatureFairnessBoost, true, "Rare-share boost in the allocator")
	flags.Register(features.FeatureEventHooksEnabled, true, "Publish domain events")
	flags.Register(features.FeatureReservationGC, true, "Sweep expired reservations")
	defer flags.Shutdown()

	// Domain events
	eventMgr := events.NewManager(true)
	defer eventMgr.Shutdown()

	engine := service.NewEngine(db, service.Config{
		EventID:    cfg.Event.ID,
		EventStart: cfg.Event.StartDate,
		EventEnd:   cfg.Event.EndDate,
		EventSeed:  cfg.Event.Seed,
		Allocator: allocator.Config{
			TargetRareShare:     cfg.Allocator.TargetRareShare,
			BoostProbability:    cfg.Allocator.BoostProbability,
			UltraRareMultiplier: cfg.Allocator.UltraRareMultiplier,
			RareMultiplier:      cfg.Allocator.RareMultiplier,
			CommonMultiplier:    cfg.Allocator.CommonMultiplier,
			BoostEnabled:        true,
		},
		ReservationTTL: time.Duration(cfg.Reservation.TTLSeconds) * time.Second,
		Signer:         signing.NewSigner(cfg.Reservation.SigningSecret),
		Cache:          store,
		CacheTTL:       time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Events:         eventMgr,
		Flags:          flags,
	})

	ctx := context.Background()

	if *seedInventory {
		created, err := engine.ResetInventory(ctx)
		if err != nil {
			log.Fatalf("Failed to seed inventory: %v", err)
		}
		log.Printf("Seeded inventory: %d rows for event %d", created, cfg.Event.ID)
	}

	h := handler.NewHandlerWithOptions(engine, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	if cfg.Tracing.Enabled {
		r.Use(middleware.TracingMiddleware())
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer rateLimiter.Stop()
	}

	// Routes
	r.Route("/prizes", func(r chi.Router) {
		r.Get("/wheel-display", h.WheelDisplay)
		r.Get("/awardable", h.ListAwardable)
	})

	r.Route("/spin", func(r chi.Router) {
		if rateLimiter != nil {
			r.Use(middleware.RateLimitMiddleware(rateLimiter))
		}
		r.Post("/reserve", h.Reserve)
		r.Post("/finalize", h.Finalize)
	})

	r.Get("/stats", h.Stats)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.Security.AdminToken))
		r.Post("/replenish", h.Replenish)
		r.Post("/reset-inventory", h.ResetInventory)
		r.Post("/import-catalog", h.ImportCatalog)
		r.Get("/wins", h.ListWins)
	})

	r.Get("/health", h.Health)

	// Background sweep of expired reservations
	gcInterval := time.Duration(cfg.Reservation.GCIntervalSeconds) * time.Second
	gcDone := make(chan struct{})
	if gcInterval > 0 {
		go func() {
			ticker := time.NewTicker(gcInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n, err := engine.SweepExpiredReservations(ctx); err != nil {
						log.Printf("Reservation sweep failed: %v", err)
					} else if n > 0 {
						log.Printf("Swept %d expired reservations", n)
					}
				case <-gcDone:
					return
				}
			}
		}()
	}

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Starting HTTP server on %s", addr)
	log.Printf("Database: %s", cfg.Database.Path)
	log.Printf("Event %d: %s to %s", cfg.Event.ID, cfg.Event.StartDate, cfg.Event.EndDate)

	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down server...")
		close(gcDone)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down tracing: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
