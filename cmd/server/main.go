package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/speedfog/racing/internal/api"
	"github.com/speedfog/racing/internal/config"
	"github.com/speedfog/racing/internal/monitor"
	"github.com/speedfog/racing/internal/notify"
	"github.com/speedfog/racing/internal/race"
	"github.com/speedfog/racing/internal/room"
	"github.com/speedfog/racing/internal/seeds"
	"github.com/speedfog/racing/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Local development keeps secrets in .env; missing is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Env == "development" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	var st store.Store
	if cfg.Database.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.OpenPostgres(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		cancel()
		if err != nil {
			slog.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		st = pg
	} else {
		slog.Warn("no database configured, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	var publisher notify.Publisher = notify.Nop{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		publisher = notify.NewRedis(rdb, cfg.Redis.EventPrefix)
	}

	rooms := room.NewRegistry()
	ctrl := race.NewController(st, rooms, publisher)
	seedSvc := seeds.NewService(st)

	if cfg.Seeds.Dir != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := seedSvc.ImportDir(ctx, cfg.Seeds.Dir, cfg.Seeds.Pool); err != nil {
			slog.Warn("seed import failed", "dir", cfg.Seeds.Dir, "error", err)
		}
		cancel()
	}

	runner := cron.New()
	mon := monitor.New(st, ctrl, cfg.Monitor.InactivityTimeout(), cfg.Monitor.NoShowTimeout())
	if err := mon.Schedule(runner); err != nil {
		slog.Error("monitor schedule failed", "error", err)
		os.Exit(1)
	}
	runner.Start()
	defer runner.Stop()

	srv := api.NewServer(cfg.Server.Port, cfg.Server.AllowOrigins, st, ctrl, seedSvc, rooms)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}
