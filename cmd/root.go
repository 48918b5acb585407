package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/quentin/quentin"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = quentin.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "quentin [flags]",
	Short: "Daily mini-game quests for discord guilds",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := viper.Unmarshal(cfg, viper.DecodeHook(configDecodeHook())); err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// configDecodeHook converts env strings into durations, log levels and
// (space-separated) string slices
func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		LevelToStringHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
	)
}

// LevelToStringHookFunc decodes level names ("INFO", "debug") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", quentin.DefaultDatabase)
	viper.SetDefault("database_type", quentin.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", quentin.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", quentin.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", quentin.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", quentin.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", quentin.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.log_level", quentin.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", quentin.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", quentin.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", quentin.DefaultDiscordStartupMessage)

	// OCR config
	viper.SetDefault("ocr.endpoint", quentin.DefaultOCREndpoint)
	viper.SetDefault("ocr.status_url", quentin.DefaultOCRStatusURL)
	viper.SetDefault("ocr.api_key", "")
	viper.SetDefault("ocr.language", quentin.DefaultOCRLanguage)
	viper.SetDefault("ocr.engine", quentin.DefaultOCREngine)
	viper.SetDefault("ocr.log_level", quentin.DefaultOCRLogLevel.String())
	viper.SetDefault("ocr.max_concurrent", quentin.DefaultOCRMaxConcurrent)
	viper.SetDefault("ocr.allow_burst", false)
	viper.SetDefault("ocr.min_interval", quentin.DefaultOCRMinInterval)
	viper.SetDefault("ocr.max_attempts", quentin.DefaultOCRMaxAttempts)
	viper.SetDefault("ocr.initial_backoff", quentin.DefaultOCRInitialBackoff)
	viper.SetDefault("ocr.outage_poll_interval", quentin.DefaultOCROutagePollInterval)
	viper.SetDefault("ocr.request_timeout", quentin.DefaultOCRRequestTimeout)
	viper.SetDefault("ocr.notification_channel_id", "")

	// Scheduler config
	viper.SetDefault("scheduler.announce_at", quentin.DefaultSchedulerAnnounceAt)
	viper.SetDefault("scheduler.timezone", quentin.DefaultSchedulerTimezone)
	viper.SetDefault("scheduler.window", quentin.DefaultSchedulerWindow)
	viper.SetDefault("scheduler.default_description", quentin.DefaultGameDescription)
	viper.SetDefault("scheduler.log_level", quentin.DefaultSchedulerLogLevel.String())

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", quentin.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", quentin.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", quentin.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", quentin.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", quentin.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", quentin.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", quentin.DefaultAPITLSMinVersion)
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", quentin.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", quentin.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", quentin.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", quentin.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", quentin.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(quentin.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = quentin.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

//nolint:gochecknoinits // cobra registration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
