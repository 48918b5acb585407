package quentin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiHealthCheck        = "/healthz"
	apiMetrics            = "/metrics"
	apiPathGames          = "/games"
	apiPathGuilds         = "/guilds"
	apiPathGuildConfig    = "/guilds/:guild_id/config"
	apiPathLeaderboard    = "/guilds/:guild_id/leaderboard"
	apiPathFactions       = "/guilds/:guild_id/factions"
	apiPathFaction        = "/guilds/:guild_id/factions/:name"
	apiPathFactionReset   = "/guilds/:guild_id/factions/:name/reset"
	apiPathScoreLog       = "/guilds/:guild_id/log"
	apiPathVerify         = "/guilds/:guild_id/verify"
	apiPathQuest          = "/guilds/:guild_id/quest"
	apiPathQuestAnnounce  = "/guilds/:guild_id/quest/announce"
	apiPathQuestScore     = "/guilds/:guild_id/quest/score"
	apiPathOCRStatus      = "/ocr/status"
	apiPathQuit           = "/quit"
	defaultScoreLogLimit  = 100
	maxScoreLogLimit      = 1000
	authCacheTTL          = 10 * time.Minute
	authFailureRateLimit  = rate.Limit(1)
	authFailureRateBurst  = 5
	apiGatewayCallTimeout = 10 * time.Second
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

// API is the admin HTTP server
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers

	// authLimiter limits token checks which miss the cache, since each
	// one is an argon2 hash
	authLimiter *rate.Limiter
	authCache   map[string]time.Time
	authCacheMu sync.Mutex
}

func newAPI(q *Quentin, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:      config,
		engine:      r,
		logger:      newComponentLogger(config.LogLevel, "api"),
		authLimiter: rate.NewLimiter(authFailureRateLimit, authFailureRateBurst),
		authCache:   map[string]time.Time{},
	}
	api.handlers = &APIHandlers{q: q}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.CertFile != "" || config.SSL.KeyFile != "" {
		tlsCfg, err := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	development := q.config.Development
	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	if development {
		ginPprof.Register(r, pprofPrefix)
	}

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)
	r.GET(apiMetrics, gin.WrapH(q.metrics.Handler()))

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(q, api))

	protected.GET(apiPathGames, h.getGames)
	protected.GET(apiPathGuilds, h.getGuilds)
	protected.GET(apiPathGuildConfig, h.getGuildConfig)
	protected.PUT(apiPathGuildConfig, h.updateGuildConfig)
	protected.GET(apiPathLeaderboard, h.getLeaderboard)
	protected.GET(apiPathFactions, h.getFactions)
	protected.POST(apiPathFactions, h.createFaction)
	protected.DELETE(apiPathFaction, h.removeFaction)
	protected.POST(apiPathFactionReset, h.resetFaction)
	protected.GET(apiPathScoreLog, h.getScoreLog)
	protected.GET(apiPathVerify, h.verifyLedger)
	protected.GET(apiPathQuest, h.getQuest)
	protected.POST(apiPathQuestAnnounce, h.announceQuest)
	protected.POST(apiPathQuestScore, h.scoreQuest)
	protected.GET(apiPathOCRStatus, h.getOCRStatus)
	protected.POST(apiPathQuit, h.quit)

	return api, nil
}

// Serve listens on the configured address, serving TLS if certs were
// configured
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving API", "addr", a.listener.Addr().String())
	if a.httpServer.TLSConfig != nil {
		return a.httpServer.ServeTLS(a.listener, "", "")
	}
	return a.httpServer.Serve(a.listener)
}

// checkToken returns true if token matches the stored admin credential.
// Verified tokens are cached (by their SHA-512 digest) for authCacheTTL.
func (a *API) checkToken(ctx context.Context, q *Quentin, token string) (bool, error) {
	key := string(derive64ByteKey(token))

	a.authCacheMu.Lock()
	expires, ok := a.authCache[key]
	if ok && time.Now().Before(expires) {
		a.authCacheMu.Unlock()
		return true, nil
	}
	delete(a.authCache, key)
	a.authCacheMu.Unlock()

	if !a.authLimiter.Allow() {
		return false, errTooManyAuthAttempts
	}

	var cred AdminCredential
	if err := q.db.WithContext(ctx).Last(&cred).Error; err != nil {
		return false, err
	}
	valid, err := verifyPassword(cred.TokenHash, token)
	if err != nil || !valid {
		return false, err
	}

	a.authCacheMu.Lock()
	a.authCache[key] = time.Now().Add(authCacheTTL)
	a.authCacheMu.Unlock()
	return true, nil
}

var errTooManyAuthAttempts = errors.New("too many authentication attempts")

// APIHandlers holds the admin API's route handlers
type APIHandlers struct {
	q *Quentin
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	Version                 string `json:"version"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Schedulers              int    `json:"schedulers"`
	OCROutage               bool   `json:"ocr_outage"`
}

type createFactionPayload struct {
	Name   string `json:"name" binding:"required,max=100"`
	RoleID string `json:"role_id" binding:"required,numeric"`
}

type leaderboardEntry struct {
	Rank     int    `json:"rank"`
	Faction  string `json:"faction"`
	RoleID   string `json:"role_id"`
	RoleName string `json:"role_name"`
	Points   int    `json:"points"`
}

type questStatusResponse struct {
	GuildID          string     `json:"guild_id"`
	State            QuestState `json:"state"`
	Quest            *Quest     `json:"quest,omitempty"`
	NextAnnouncement time.Time  `json:"next_announcement"`
}

type ocrStatusResponse struct {
	Outage bool            `json:"outage"`
	Status *ProviderStatus `json:"status,omitempty"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	h.q.schedulersMu.RLock()
	schedulers := len(h.q.schedulers)
	h.q.schedulersMu.RUnlock()

	var outage bool
	if h.q.watcher != nil {
		_, outage = h.q.watcher.Status()
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Version:                 Version,
			DiscordGatewayConnected: h.q.discord.connected.Load(),
			Schedulers:              schedulers,
			OCROutage:               outage,
		},
	)
}

func (h *APIHandlers) getGames(c *gin.Context) {
	c.JSON(http.StatusOK, h.q.registry.Games())
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	configs, err := h.q.store.List(c.Request.Context())
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(http.StatusOK, configs)
}

func (h *APIHandlers) getGuildConfig(c *gin.Context) {
	cfg, err := h.q.store.Get(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// updateGuildConfig replaces the guild's settings, and starts or stops
// its scheduler to match Enabled
func (h *APIHandlers) updateGuildConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var cfg GuildConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	cfg.GuildID = c.Param("guild_id")

	catalog := GuildCatalog{GuildConfig: cfg}
	if err := catalog.Validate(h.q.registry); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.q.store.Set(ctx, cfg); err != nil {
		ginReplyErr(c, err)
		return
	}
	logger.InfoContext(ctx, "updated guild config", "guild_config", cfg)

	if err := h.q.syncScheduler(cfg); err != nil {
		logger.ErrorContext(ctx, "error syncing scheduler", tint.Err(err))
		ginReplyErr(c, err)
		return
	}

	saved, err := h.q.store.Get(ctx, cfg.GuildID)
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// getLeaderboard returns faction standings, with role names resolved
// through the gateway
func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := c.Request.Context()
	guildID := c.Param("guild_id")

	totals, err := h.q.ledger.Totals(ctx, guildID)
	if err != nil {
		ginReplyErr(c, err)
		return
	}

	entries := make([]leaderboardEntry, 0, len(totals))
	for i, f := range totals {
		entry := leaderboardEntry{
			Rank:     i + 1,
			Faction:  f.Name,
			RoleID:   f.RoleID,
			RoleName: f.Name,
			Points:   f.TotalPoints,
		}
		roleCtx, cancel := context.WithTimeout(ctx, apiGatewayCallTimeout)
		name, roleErr := h.q.gateway.RoleName(roleCtx, guildID, f.RoleID)
		cancel()
		if roleErr != nil {
			logger.WarnContext(ctx, "error resolving role name", tint.Err(roleErr), "faction", f)
		} else if name != "" {
			entry.RoleName = name
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandlers) getFactions(c *gin.Context) {
	factions, err := h.q.ledger.Totals(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(http.StatusOK, factions)
}

func (h *APIHandlers) createFaction(c *gin.Context) {
	var payload createFactionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	faction, err := h.q.ledger.CreateFaction(
		c.Request.Context(),
		c.Param("guild_id"),
		strings.TrimSpace(payload.Name),
		payload.RoleID,
	)
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, faction)
}

func (h *APIHandlers) removeFaction(c *gin.Context) {
	name := c.Param("name")
	if err := h.q.ledger.RemoveFaction(c.Request.Context(), c.Param("guild_id"), name); err != nil {
		ginReplyErr(c, err)
		return
	}
	ginReplyMessage(c, fmt.Sprintf("removed faction %q", name))
}

func (h *APIHandlers) resetFaction(c *gin.Context) {
	entry, err := h.q.ledger.ResetFaction(c.Request.Context(), c.Param("guild_id"), c.Param("name"))
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *APIHandlers) getScoreLog(c *gin.Context) {
	limit := defaultScoreLogLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxScoreLogLimit {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: fmt.Sprintf("limit must be between 1 and %d", maxScoreLogLimit)},
			)
			return
		}
		limit = n
	}
	entries, err := h.q.ledger.Log(c.Request.Context(), c.Param("guild_id"), limit)
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandlers) verifyLedger(c *gin.Context) {
	if err := h.q.ledger.Verify(c.Request.Context(), c.Param("guild_id")); err != nil {
		ginReplyErr(c, err)
		return
	}
	ginReplyMessage(c, "ok")
}

func (h *APIHandlers) getQuest(c *gin.Context) {
	guildID := c.Param("guild_id")
	scheduler, err := h.q.Scheduler(guildID)
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(
		http.StatusOK, questStatusResponse{
			GuildID:          guildID,
			State:            scheduler.State(),
			Quest:            scheduler.CurrentQuest(),
			NextAnnouncement: scheduler.NextAnnouncement(),
		},
	)
}

func (h *APIHandlers) announceQuest(c *gin.Context) {
	scheduler, err := h.q.Scheduler(c.Param("guild_id"))
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	quest, err := scheduler.ForceAnnounce(c.Request.Context())
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, quest)
}

func (h *APIHandlers) scoreQuest(c *gin.Context) {
	scheduler, err := h.q.Scheduler(c.Param("guild_id"))
	if err != nil {
		ginReplyErr(c, err)
		return
	}
	if err = scheduler.ForceScore(c.Request.Context()); err != nil {
		ginReplyErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "scoring started"})
}

func (h *APIHandlers) getOCRStatus(c *gin.Context) {
	var resp ocrStatusResponse
	if h.q.watcher != nil {
		status, outage := h.q.watcher.Status()
		resp.Outage = outage
		if !status.CheckedAt.IsZero() {
			resp.Status = &status
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) quit(c *gin.Context) {
	ginContextLogger(c).Warn("received quit request")
	ginReplyMessage(c, "shutting down")
	go h.q.Stop()
}

// authMiddleware requires an `Authorization: Bearer <token>` header
// matching the admin token set by `quentin init`
func authMiddleware(q *Quentin, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		valid, err := api.checkToken(c.Request.Context(), q, strings.TrimSpace(token))
		switch {
		case errors.Is(err, errTooManyAuthAttempts):
			logger.Warn("auth rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: err.Error()})
			return
		case err != nil:
			logger.Warn("error checking token", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		case !valid:
			logger.Warn("invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a UUID, returned in the
// X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating one with
// request details (and storing it in the gin context) if needed
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), requestLogger))
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyErr aborts with a status code matching err
func ginReplyErr(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(apiErrorStatus(err), httpError{Error: err.Error()})
}

func apiErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrGuildNotFound),
		errors.Is(err, ErrFactionNotFound),
		errors.Is(err, ErrSchedulerNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrFactionExists),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNoGameCandidates),
		errors.Is(err, ErrUnknownGame):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateSchedulerConfig, SchedulerConfig{})
}
