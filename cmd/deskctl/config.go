package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "DESK"

// options is the resolved configuration shared by every command.
// Flags win over DESK_* environment variables, which win over the config file.
type options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	BusinessID string
	UserID     string

	Memory         bool
	Coalesce       bool
	CircuitBreaker bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	LogLevel  string
	LogFormat string
}

func bindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file (yaml, json or toml)")
	f.String("base-url", "", "base URL of the help-desk REST API")
	f.String("token", "", "bearer token sent to the REST API")
	f.Duration("timeout", 10*time.Second, "per-request timeout of the REST API")
	f.String("business", "", "business id whose usage is inspected")
	f.String("user", "", "user id whose permissions are inspected")
	f.Bool("memory", false, "use an in-memory demo backend instead of the REST API")
	f.Bool("coalesce", false, "share in-flight usage fetches between callers")
	f.Bool("circuit-breaker", true, "stop calling a backend that keeps failing")
	f.String("redis-addr", "", "redis address of the snapshot store, e.g. localhost:6379")
	f.String("redis-password", "", "redis password")
	f.Int("redis-db", 0, "redis database")
	f.String("postgres-dsn", "", "postgres connection string of the snapshot store")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "console", "log format (console or json)")
}

func loadOptions(cmd *cobra.Command) (*options, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	opts := &options{
		BaseURL:        v.GetString("base-url"),
		Token:          v.GetString("token"),
		Timeout:        v.GetDuration("timeout"),
		BusinessID:     v.GetString("business"),
		UserID:         v.GetString("user"),
		Memory:         v.GetBool("memory"),
		Coalesce:       v.GetBool("coalesce"),
		CircuitBreaker: v.GetBool("circuit-breaker"),
		RedisAddr:      v.GetString("redis-addr"),
		RedisPassword:  v.GetString("redis-password"),
		RedisDB:        v.GetInt("redis-db"),
		PostgresDSN:    v.GetString("postgres-dsn"),
		LogLevel:       v.GetString("log-level"),
		LogFormat:      v.GetString("log-format"),
	}
	if opts.BaseURL == "" && !opts.Memory {
		return nil, fmt.Errorf("either --base-url (%s_BASE_URL) or --memory is required", envPrefix)
	}
	return opts, nil
}

func newLogger(opts *options) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.LogLevel, err)
	}

	var logger zerolog.Logger
	switch opts.LogFormat {
	case "json":
		logger = zerolog.New(os.Stderr)
	case "console", "":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", opts.LogFormat)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}
