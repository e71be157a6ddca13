package engineapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cptcr/pegasus-sub001/internal/config"
	"github.com/cptcr/pegasus-sub001/internal/infra/discord"
	s3infra "github.com/cptcr/pegasus-sub001/internal/infra/s3"
	"github.com/cptcr/pegasus-sub001/internal/jobs/sweep"
	pgrepo "github.com/cptcr/pegasus-sub001/internal/repo/postgres"
	redrepo "github.com/cptcr/pegasus-sub001/internal/repo/redis"
	"github.com/cptcr/pegasus-sub001/internal/scheduler"
	giveawaysvc "github.com/cptcr/pegasus-sub001/internal/services/giveaways"
	modsvc "github.com/cptcr/pegasus-sub001/internal/services/moderation"
	"github.com/cptcr/pegasus-sub001/internal/services/notify"
	ratesvc "github.com/cptcr/pegasus-sub001/internal/services/rate"
	ticketsvc "github.com/cptcr/pegasus-sub001/internal/services/tickets"
	"github.com/cptcr/pegasus-sub001/internal/services/transcript"
)

const ticketCreateAction = "ticket_create"

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	scheduler  *scheduler.Scheduler
	sweepJob   *sweep.Job
	dispatcher *notify.Dispatcher
	storage    *transcript.S3Storage
	server     *http.Server

	tickets   *ticketsvc.Service
	bans      *modsvc.Service
	giveaways *giveawaysvc.Service
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	s3Client, err := s3infra.NewClient(s3infra.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		UseSSL:    cfg.S3.UseSSL,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init s3: %w", err)
	}

	adapter, err := discord.New(cfg.Discord.Token)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init discord adapter: %w", err)
	}

	ticketRepo := pgrepo.NewTicketRepo(pool)
	panelRepo := pgrepo.NewPanelRepo(pool)
	caseRepo := pgrepo.NewCaseRepo(pool)
	giveawayRepo := pgrepo.NewGiveawayRepo(pool)
	windowRepo := redrepo.NewWindowRepo(redisClient)

	limiter := ratesvc.NewLimiter(windowRepo, map[string]ratesvc.Rule{
		ticketCreateAction: {
			Window:  cfg.Engine.CreateRateWindow,
			Ceiling: cfg.Engine.CreateRateLimit,
		},
	})

	sched := scheduler.New(logger)
	dispatcher := notify.NewDispatcher(adapter, cfg.Discord.LogChannels, logger)
	storage := transcript.NewS3Storage(s3Client, cfg.S3.Bucket)
	archiver := transcript.NewArchiver(adapter, storage)

	ticketService := ticketsvc.NewService(ticketRepo, panelRepo, adapter, limiter, sched, archiver, dispatcher, ticketsvc.Config{
		InactivityWarn:  cfg.Engine.InactivityWarn,
		InactivityClose: cfg.Engine.InactivityClose,
		DeleteDelay:     cfg.Engine.DeleteDelay,
	}, logger)
	banService := modsvc.NewService(caseRepo, adapter, sched, dispatcher, logger)
	giveawayService := giveawaysvc.NewService(giveawayRepo, adapter, sched, dispatcher, logger)

	sched.Register(ticketService)
	sched.Register(banService)
	sched.Register(giveawayService)

	sweepJob := sweep.New(ticketRepo, ticketService, cfg.Engine.InactivityWarn, cfg.Engine.InactivityClose, logger)

	app := &App{
		cfg:        cfg,
		logger:     logger,
		postgres:   pool,
		redis:      redisClient,
		scheduler:  sched,
		sweepJob:   sweepJob,
		dispatcher: dispatcher,
		storage:    storage,
		tickets:    ticketService,
		bans:       banService,
		giveaways:  giveawayService,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Get("/healthz", app.handleHealth)

	app.server = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return app, nil
}

// Tickets, Bans and Giveaways expose the command surface consumed by the
// interaction layer.
func (a *App) Tickets() *ticketsvc.Service { return a.tickets }

func (a *App) Bans() *modsvc.Service { return a.bans }

func (a *App) Giveaways() *giveawaysvc.Service { return a.giveaways }

func (a *App) Run(ctx context.Context) error {
	if err := a.storage.EnsureBucket(ctx); err != nil {
		a.logger.Warn("transcript bucket check failed", zap.Error(err))
	}

	// Re-arm persisted deadlines before anything else can race them.
	if err := a.scheduler.Bootstrap(ctx); err != nil {
		return fmt.Errorf("scheduler bootstrap: %w", err)
	}

	a.logger.Info("engine started",
		zap.Int("armed_timers", a.scheduler.ArmedCount()),
		zap.String("http_addr", a.cfg.HTTP.Addr))

	errCh := make(chan error, 2)
	go func() {
		errCh <- a.runSweepLoop(ctx)
	}()
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("engine stopped")
			return nil
		case err := <-errCh:
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			return err
		}
	}
}

func (a *App) runSweepLoop(ctx context.Context) error {
	interval := a.cfg.Engine.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if err := a.sweepJob.Run(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.sweepJob.Run(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"env":          a.cfg.Env,
		"armed_timers": a.scheduler.ArmedCount(),
	})
}

func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	a.dispatcher.Flush()
	return err
}

func (a *App) Close() {
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
