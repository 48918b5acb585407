//nolint:lll // struct tags can't be split
package quentin

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "QUENTIN_ENV_PREFIX"
	DefaultEnvPrefix      = "QUENTIN"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "quentin.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds how long Run waits on schedulers
	// and in-flight scoring batches after the root context is cancelled
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordGatewayIntent  = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsGuildMessageReactions | discordgo.IntentMessageContent
	DefaultDiscordStartupMessage = "Quentin is online"

	DefaultOCREndpoint           = "https://api.ocr.space/parse/image"
	DefaultOCRStatusURL          = "https://status.ocr.space/api/status"
	DefaultOCRLanguage           = "eng"
	DefaultOCREngine             = 2
	DefaultOCRLogLevel           = slog.LevelInfo
	DefaultOCRMaxConcurrent      = 10
	DefaultOCRMinInterval        = 6 * time.Second
	DefaultOCRMaxAttempts        = 5
	DefaultOCRInitialBackoff     = time.Second
	DefaultOCROutagePollInterval = 5 * time.Minute
	DefaultOCRRequestTimeout     = 30 * time.Second

	DefaultSchedulerAnnounceAt = "12:00"
	DefaultSchedulerTimezone   = "America/New_York"
	DefaultSchedulerWindow     = 24 * time.Hour
	DefaultSchedulerLogLevel   = slog.LevelInfo
	DefaultGameDescription     = "Post your result in this channel before the window closes!"

	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"

	discordMaxMessageLength = 2000
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	Discord   *DiscordConfig   `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	OCR       *OCRConfig       `yaml:"ocr" mapstructure:"ocr" json:"ocr" binding:"required"`
	Scheduler *SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler" json:"scheduler" binding:"required"`
	API       *APIConfig       `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed to open the database and
	// connect to discord
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, in-flight scoring is abandoned and connections are closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables pprof endpoints and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot session.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, sent to each enabled guild's notification channel whenever
	// the bot connects to the gateway
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. Message content is required to read
	// text submissions.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OCRConfig configures the OCR.space-compatible client shared by all guilds
type OCRConfig struct {
	// Endpoint images are POSTed to
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint" binding:"required,url"`

	// StatusURL is polled during outages. Expected to return JSON like
	// {"api": "up", "frontend": "up"}
	StatusURL string `yaml:"status_url" mapstructure:"status_url" json:"status_url" binding:"required,url"`

	// APIKey is used for guilds which don't set their own key
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	Language string `yaml:"language" mapstructure:"language" json:"language" binding:"required"`

	// Engine is the OCR.space 'OCREngine' parameter (1, 2 or 3)
	Engine int `yaml:"engine" mapstructure:"engine" json:"engine" binding:"min=1,max=3"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// MaxConcurrent caps in-flight OCR requests, and the number of
	// authors scored concurrently by the collector
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" json:"max_concurrent" binding:"min=1"`

	// AllowBurst disables MinInterval spacing between requests
	AllowBurst bool `yaml:"allow_burst" mapstructure:"allow_burst" json:"allow_burst"`

	// MinInterval is the minimum time between dispatched requests, when
	// AllowBurst is false
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval" json:"min_interval"`

	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff" json:"initial_backoff"`

	// OutagePollInterval is how often the status page is checked while
	// the provider is down
	OutagePollInterval time.Duration `yaml:"outage_poll_interval" mapstructure:"outage_poll_interval" json:"outage_poll_interval" binding:"min=1s"`

	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// NotificationChannelID receives outage/recovery notices
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`
}

// SchedulerConfig configures the daily quest cycle
type SchedulerConfig struct {
	// AnnounceAt is the local time of day (HH:MM) quests are announced
	AnnounceAt string `yaml:"announce_at" mapstructure:"announce_at" json:"announce_at" binding:"required"`

	// Timezone AnnounceAt is interpreted in, and the timezone used to
	// determine the weekday for game selection
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone" binding:"required"`

	// Window is how long submissions are accepted after an announcement
	Window time.Duration `yaml:"window" mapstructure:"window" json:"window" binding:"min=1m"`

	// DefaultDescription is announced for games without a description
	DefaultDescription string `yaml:"default_description" mapstructure:"default_description" json:"default_description"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Optional TLS configuration. Plain HTTP is served when unset.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	CertFile      string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`
	KeyFile       string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// validateSchedulerConfig checks that AnnounceAt and Timezone can
// actually be used to compute an announcement time
func validateSchedulerConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(SchedulerConfig)
	if !ok {
		return
	}
	if _, err := time.LoadLocation(value.Timezone); err != nil {
		sl.ReportError(value.Timezone, "Timezone", "timezone", "timezone", "")
	}
	if _, _, err := parseClock(value.AnnounceAt); err != nil {
		sl.ReportError(value.AnnounceAt, "AnnounceAt", "announce_at", "clock", "")
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	ocrLogLevel := &slog.LevelVar{}
	schedulerLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	ocrLogLevel.Set(DefaultOCRLogLevel)
	schedulerLogLevel.Set(DefaultSchedulerLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			GatewayIntents:    DefaultDiscordGatewayIntent,
		},
		OCR: &OCRConfig{
			Endpoint:           DefaultOCREndpoint,
			StatusURL:          DefaultOCRStatusURL,
			Language:           DefaultOCRLanguage,
			Engine:             DefaultOCREngine,
			LogLevel:           ocrLogLevel,
			MaxConcurrent:      DefaultOCRMaxConcurrent,
			MinInterval:        DefaultOCRMinInterval,
			MaxAttempts:        DefaultOCRMaxAttempts,
			InitialBackoff:     DefaultOCRInitialBackoff,
			OutagePollInterval: DefaultOCROutagePollInterval,
			RequestTimeout:     DefaultOCRRequestTimeout,
		},
		Scheduler: &SchedulerConfig{
			AnnounceAt:         DefaultSchedulerAnnounceAt,
			Timezone:           DefaultSchedulerTimezone,
			Window:             DefaultSchedulerWindow,
			DefaultDescription: DefaultGameDescription,
			LogLevel:           schedulerLogLevel,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
