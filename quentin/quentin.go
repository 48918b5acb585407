package quentin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = time.Hour
)

var sqliteExecPragma = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Quentin runs the quest bot: a discord session, one QuestScheduler per
// enabled guild, and the admin API.
type Quentin struct {
	config *Config

	// db is the underlying connection, writeDB wraps it for writes
	db      *gorm.DB
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord   *Discord
	gateway   MessageGateway
	api       *API
	metrics   *Metrics
	registry  *Registry
	store     ConfigStore
	ledger    *FactionLedger
	ocr       *OCRClient
	watcher   *OutageWatcher
	images    ImageFetcher
	collector *SubmissionCollector

	// runCtx is the runtime context schedulers are started under
	runCtx       context.Context
	schedulers   map[string]*schedulerHandle
	schedulersMu sync.RWMutex
	schedulerWG  sync.WaitGroup

	signalStop    chan struct{}
	signalReady   chan struct{}
	eventShutdown chan struct{}
	runMu         sync.Mutex
	startedAt     time.Time
}

type schedulerHandle struct {
	scheduler *QuestScheduler
	cancel    context.CancelFunc
}

// New returns a Quentin instance for the config. The database isn't
// opened until Run.
func New(config *Config) (*Quentin, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	q := &Quentin{
		config:        config,
		schedulers:    map[string]*schedulerHandle{},
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		registry:      DefaultRegistry(),
		metrics:       NewMetrics(),
		runCtx:        context.Background(),
	}

	q.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	q.logger = slog.New(q.logHandler)
	slog.SetDefault(q.logger)

	config.Discord.httpClient = config.HTTPClient
	q.discord = newDiscord(config.Discord)
	q.gateway = q.discord

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	q.images = newHTTPImageFetcher(config.HTTPClient)

	api, err := newAPI(q, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	q.api = api

	return q, errors.Join(errs...)
}

// ValidateConfig validates the static config
func (q *Quentin) ValidateConfig() error {
	return structValidator.Struct(q.config)
}

// Run opens the database, connects to discord, starts the admin API
// and a scheduler for each enabled guild, then blocks until ctx is
// cancelled (or the API's quit endpoint is called).
func (q *Quentin) Run(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	q.signalStop = make(chan struct{}, 1)
	q.startedAt = time.Now()
	logger := q.logger

	if err := q.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", q.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-q.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, q.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- q.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	runtimeWG := &sync.WaitGroup{}

	if q.config.API.Enabled {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if httpErr := q.api.Serve(ctx); httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := q.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err := q.discord.open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return err
	}

	q.watcher.Start(ctx)
	if err := q.startSchedulers(ctx); err != nil {
		logger.ErrorContext(ctx, "error starting schedulers", tint.Err(err))
	}

	q.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return q.shutdown(ctx, runtimeWG)
}

// Stop triggers a graceful shutdown of a running instance
func (q *Quentin) Stop() {
	if q.signalStop == nil {
		return
	}
	select {
	case q.signalStop <- struct{}{}:
	default:
	}
}

// initRun opens the database and wires the components which depend on
// it
func (q *Quentin) initRun(ctx context.Context) error {
	if err := q.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	q.wire(q.gateway)

	tokenSet, err := AdminTokenSet(ctx, q.db)
	if err != nil {
		return fmt.Errorf("error checking admin credentials: %w", err)
	}
	if !tokenSet && q.config.API.Enabled {
		q.logger.WarnContext(
			ctx,
			"no admin token set, the admin API will reject all requests (run `quentin init`)",
		)
	}
	return nil
}

// wire builds the components that need the database and the gateway
func (q *Quentin) wire(gateway MessageGateway) {
	q.gateway = gateway
	q.store = NewConfigStore(q.writeDB)
	q.ledger = NewFactionLedger(q.writeDB, q.logger, q.metrics)
	q.watcher = NewOutageWatcher(q.config.OCR, q.config.HTTPClient, q.notifyOCRStatus, q.metrics)
	q.ocr = NewOCRClient(q.config.OCR, q.config.HTTPClient, q.watcher, q.metrics)
	q.collector = NewSubmissionCollector(
		gateway,
		q.registry,
		q.ledger,
		q.ocr,
		q.images,
		q.logger,
		q.metrics,
		q.config.OCR.MaxConcurrent,
	)
}

// notifyOCRStatus posts OCR outage and recovery notices
func (q *Quentin) notifyOCRStatus(ctx context.Context, msg string) {
	channelID := q.config.OCR.NotificationChannelID
	if channelID == "" {
		return
	}
	if _, err := q.gateway.PostMessage(ctx, channelID, msg); err != nil {
		q.logger.ErrorContext(ctx, "error sending OCR status notification", tint.Err(err))
	}
}

func (q *Quentin) initDB(ctx context.Context) error {
	logger := loggerFromContext(ctx, q.logger)

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     q.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	db, err := createDB(
		ctx,
		q.config.DatabaseType,
		q.config.Database,
		newGORMLogger(handler, q.config.DatabaseSlowThreshold),
	)
	if err != nil {
		return err
	}
	q.db = db
	q.writeDB = NewDatabase(db, logger, q.config.DatabaseType == dbTypePostgres)

	if q.config.DatabaseType != dbTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

func (q *Quentin) initDiscordSession(ctx context.Context) error {
	if q.discord.session == nil {
		session, err := q.discord.newSession()
		if err != nil {
			return err
		}
		q.discord.session = session
	}
	q.discord.onConnect = func() {
		q.sendStartupMessage(ctx)
	}
	return nil
}

// sendStartupMessage posts the configured startup message to each
// enabled guild's notification channel
func (q *Quentin) sendStartupMessage(ctx context.Context) {
	msg := q.config.Discord.StartupMessage
	if msg == "" || q.store == nil {
		return
	}
	configs, err := q.store.List(ctx)
	if err != nil {
		q.logger.ErrorContext(ctx, "error listing guilds", tint.Err(err))
		return
	}
	for _, cfg := range configs {
		if !cfg.Enabled || cfg.NotificationChannelID == "" {
			continue
		}
		if _, e := q.gateway.PostMessage(ctx, cfg.NotificationChannelID, msg); e != nil {
			q.logger.ErrorContext(
				ctx,
				"error sending startup message",
				tint.Err(e),
				"guild_id", cfg.GuildID,
			)
		}
	}
}

// startSchedulers starts a scheduler for every enabled guild
func (q *Quentin) startSchedulers(ctx context.Context) error {
	q.schedulersMu.Lock()
	q.runCtx = ctx
	q.schedulersMu.Unlock()

	configs, err := q.store.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := q.startScheduler(cfg.GuildID); err != nil {
			errs = append(errs, fmt.Errorf("guild %s: %w", cfg.GuildID, err))
		}
	}
	return errors.Join(errs...)
}

func (q *Quentin) startScheduler(guildID string) error {
	q.schedulersMu.Lock()
	defer q.schedulersMu.Unlock()

	if _, ok := q.schedulers[guildID]; ok {
		return nil
	}
	scheduler, err := NewQuestScheduler(
		guildID,
		q.config.Scheduler,
		q.store,
		q.writeDB,
		q.gateway,
		q.registry,
		q.collector,
		q.config.OCR.APIKey,
		q.metrics,
	)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(q.runCtx)
	q.schedulers[guildID] = &schedulerHandle{scheduler: scheduler, cancel: cancel}

	q.schedulerWG.Add(1)
	go func() {
		defer q.schedulerWG.Done()
		if e := scheduler.Run(ctx); e != nil {
			q.logger.ErrorContext(ctx, "scheduler exited", tint.Err(e), "guild_id", guildID)
		}
	}()
	q.logger.Info("started scheduler", "guild_id", guildID)
	return nil
}

func (q *Quentin) stopScheduler(guildID string) {
	q.schedulersMu.Lock()
	h, ok := q.schedulers[guildID]
	delete(q.schedulers, guildID)
	q.schedulersMu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.scheduler.Done()
	q.logger.Info("stopped scheduler", "guild_id", guildID)
}

// syncScheduler starts or stops the guild's scheduler to match
// whether quests are enabled
func (q *Quentin) syncScheduler(cfg GuildConfig) error {
	if cfg.Enabled {
		return q.startScheduler(cfg.GuildID)
	}
	q.stopScheduler(cfg.GuildID)
	return nil
}

// Scheduler returns the running scheduler for the guild
func (q *Quentin) Scheduler(guildID string) (*QuestScheduler, error) {
	q.schedulersMu.RLock()
	defer q.schedulersMu.RUnlock()
	h, ok := q.schedulers[guildID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchedulerNotFound, guildID)
	}
	return h.scheduler, nil
}

// shutdown waits for schedulers (and their in-flight scoring) to exit,
// up to ShutdownTimeout, then closes the API server, the discord
// session and the database.
func (q *Quentin) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	q.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case q.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(q.config.ShutdownTimeout)
	q.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", q.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	var shutdownErr error
	stopped := make(chan struct{})
	go func() {
		q.schedulerWG.Wait()
		if q.watcher != nil {
			q.watcher.Wait()
		}
		close(stopped)
	}()
	select {
	case <-stopped:
		q.logger.InfoContext(
			ctx,
			"schedulers stopped",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		shutdownErr = errors.New("schedulers did not stop in time")
		q.logger.ErrorContext(ctx, "shutdown timed out", tint.Err(shutdownErr))
	}

	var errs []error
	errs = append(errs, shutdownErr)
	if q.api != nil && q.api.httpServer != nil {
		if err := q.api.httpServer.Shutdown(closeCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("error shutting down API: %w", err))
		}
	}

	apiStopped := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(apiStopped)
	}()
	select {
	case <-apiStopped:
	case <-closeCtx.Done():
	}

	if q.discord.session != nil {
		if err := q.discord.close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}
	if q.db != nil {
		if sqlDB, err := q.db.DB(); err == nil {
			if e := sqlDB.Close(); e != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", e))
			}
		}
	}
	q.logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}
