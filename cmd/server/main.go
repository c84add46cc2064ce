package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-monitor/internal/broadcast"
	"parking-monitor/internal/config"
	"parking-monitor/internal/db"
	httpapi "parking-monitor/internal/http"
	"parking-monitor/internal/jobs"
	"parking-monitor/internal/repository"
	"parking-monitor/internal/service"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	gdb, err := db.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.RunMigrations(gdb); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("database migrations complete")

	lotRepo := repository.NewLotRepository(gdb)
	alertRepo := repository.NewAlertRepository(gdb)
	violationRepo := repository.NewViolationRepository(gdb)
	contractorRepo := repository.NewContractorRepository(gdb)

	hub := broadcast.New(cfg.Monitoring.PingInterval, log.With().Str("component", "broadcast").Logger())
	defer hub.Shutdown()

	occupancyService := service.NewOccupancyService(
		lotRepo,
		cfg.Camera.DefaultConfidence,
		log.With().Str("component", "occupancy").Logger(),
	)
	lifecycleService := service.NewLifecycleService(
		alertRepo,
		violationRepo,
		contractorRepo,
		hub,
		cfg.Monitoring.CapacityWarningThreshold,
		cfg.Monitoring.DefaultPenalty,
		log.With().Str("component", "lifecycle").Logger(),
	)

	retention := jobs.NewRetentionScheduler(
		lotRepo,
		cfg.Retention.CapacityLogDays,
		log.With().Str("component", "retention").Logger(),
	)
	if err := retention.Start(cfg.Retention.Schedule); err != nil {
		log.Fatal().Err(err).Msg("failed to start retention scheduler")
	}
	defer retention.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.Server.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
		corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
		router.Use(cors.New(corsConfig))
	}

	handler := httpapi.NewHandler(occupancyService, lifecycleService, hub, cfg, log.With().Str("component", "http").Logger())
	handler.Register(router, httpapi.AuthMiddleware(cfg.Auth.JWTSecret))

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// SSE connections stay open indefinitely; no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
}
