// Package server assembles the queue core, its collaborators and the HTTP
// surface into one runnable application.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Legion808/klinika/internal/appointment"
	"github.com/Legion808/klinika/internal/config"
	"github.com/Legion808/klinika/internal/consultation"
	"github.com/Legion808/klinika/internal/directory"
	"github.com/Legion808/klinika/internal/handlers"
	"github.com/Legion808/klinika/internal/lock"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/queue"
	"github.com/Legion808/klinika/internal/realtime"
	"github.com/Legion808/klinika/internal/routes"
	"github.com/Legion808/klinika/internal/store"
)

// App is a fully wired server.
type App struct {
	Config        *config.Config
	Repo          *store.GormRepository
	Registry      *realtime.Registry
	Fanout        *realtime.Fanout
	Appointments  *appointment.Service
	Consultations *consultation.Service
	Router        *gin.Engine

	db    *gorm.DB
	redis *redis.Client
	log   zerolog.Logger
}

// Deps are the externally owned pieces New builds on.
type Deps struct {
	DB     *gorm.DB
	Locker lock.Locker
	// Registry receives the service metrics and backs /metrics.
	Registry *prometheus.Registry
	Logger   zerolog.Logger
}

// Open connects the database and the booking lock named by cfg and wires the app.
func Open(cfg *config.Config, log zerolog.Logger) (*App, error) {
	db, err := models.InitDB(models.DatabaseConfig{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")

	var (
		locker lock.Locker = lock.NewLocalLocker()
		rdb    *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb, err = lock.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Username, cfg.Redis.Password)
		if err != nil {
			closeDB(db)
			return nil, err
		}
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL, cfg.Redis.LockWait)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis booking lock")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := New(cfg, Deps{DB: db, Locker: locker, Registry: reg, Logger: log})
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		closeDB(db)
		return nil, err
	}
	app.redis = rdb
	return app, nil
}

// New wires the services and router on top of deps.
func New(cfg *config.Config, deps Deps) (*App, error) {
	log := deps.Logger
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := realtime.NewMetrics(reg)

	repo := store.NewGormRepository(deps.DB)
	dir, err := directory.New(repo, cfg.Realtime.NameCacheSize)
	if err != nil {
		return nil, err
	}

	registry := realtime.NewRegistry(cfg.Realtime.RegistryShards, cfg.Realtime.SendBuffer, metrics, log)
	fanout := realtime.NewFanout(registry, log)
	estimator := queue.NewEstimator(repo, cfg.Queue.SlotMinutes)

	appointments := appointment.NewService(repo, deps.Locker, dir, estimator, fanout, metrics, log, appointment.Options{
		CollisionWindow: cfg.Queue.CollisionWindow,
		Location:        cfg.Location(),
	})
	consultations := consultation.NewService(repo, appointments, dir, fanout, metrics, log)

	h := routes.Handlers{
		Auth:          handlers.NewAuthHandler(repo, cfg.JWTSecret, time.Duration(cfg.JWTExpirationMinutes)*time.Minute),
		Users:         handlers.NewUserHandler(repo),
		Appointments:  handlers.NewAppointmentHandler(appointments),
		Consultations: handlers.NewConsultationHandler(consultations),
		WS: handlers.NewWSHandler(registry, appointments, consultations, handlers.WSOptions{
			JWTSecret:      cfg.JWTSecret,
			AuthTimeout:    cfg.Realtime.AuthTimeout,
			WriteTimeout:   cfg.Realtime.WriteTimeout,
			AllowedOrigins: origins(cfg.Origin),
		}, log),
		Health: handlers.NewHealthHandler(repo, registry),
	}
	router := routes.NewRouter(h, routes.Options{
		JWTSecret: cfg.JWTSecret,
		Origins:   origins(cfg.Origin),
		Gatherer:  reg,
		Logger:    log,
	})

	return &App{
		Config:        cfg,
		Repo:          repo,
		Registry:      registry,
		Fanout:        fanout,
		Appointments:  appointments,
		Consultations: consultations,
		Router:        router,
		db:            deps.DB,
		log:           log,
	}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	a.Registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.log.Info().Msg("server stopped")
	return nil
}

// Close stops event delivery and releases the database and redis clients.
func (a *App) Close() {
	a.Fanout.Close()
	a.Registry.CloseAll()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	closeDB(a.db)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func origins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
