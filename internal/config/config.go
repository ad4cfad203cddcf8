package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the SIP Core process.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	HostURL         string        `env:"HOST_URL"`          // home automation host base URL
	Token           string        `env:"TOKEN"`             // bearer token for the host API
	Principal       string        `env:"PRINCIPAL"`         // identity to register as; derived from Token if empty
	ConfigFile      string        `env:"CONFIG_FILE"`       // local JSON config used instead of the host API
	DataDir         string        `env:"DATA_DIR"`          // directory for the sqlite database
	HTTPPort        int           `env:"HTTP_PORT"`         // control API listen port
	SIPListenAddr   string        `env:"SIP_LISTEN_ADDR"`   // host:port for inbound SIP over udp/tcp
	LogLevel        string        `env:"LOG_LEVEL"`         // debug, info, warn, error
	LogFormat       string        `env:"LOG_FORMAT"`        // text or json
	APIPasswordHash string        `env:"API_PASSWORD_HASH"` // argon2id hash guarding the control API
	JWTSecret       string        `env:"JWT_SECRET"`        // hex-encoded 32-byte signing secret
	PollInterval    time.Duration `env:"POLL_INTERVAL"`     // periodic config refetch, 0 disables
	EventType       string        `env:"EVENT_TYPE"`        // host event that triggers a reload
	SIPTrace        string        `env:"SIP_TRACE"`         // off, headers, full
	CORSOrigins     string        `env:"CORS_ORIGINS"`      // comma-separated allowed origins

	// EnvFile is the dotenv file read before the environment. A missing
	// file is not an error.
	EnvFile string
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultHTTPPort  = 8099
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
	defaultEventType = "sip_core_config_updated"
	defaultSIPTrace  = "off"
	defaultEnvFile   = ".env"
)

// envPrefix is the prefix for all SIP Core environment variables.
const envPrefix = "SIPCORE_"

func defaults() *Config {
	return &Config{
		DataDir:   defaultDataDir,
		HTTPPort:  defaultHTTPPort,
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
		EventType: defaultEventType,
		SIPTrace:  defaultSIPTrace,
		EnvFile:   defaultEnvFile,
	}
}

// Load parses configuration from os.Args, the environment and the dotenv
// file.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with explicit command line arguments.
func LoadArgs(args []string) (*Config, error) {
	cfg := defaults()

	envFile := defaultEnvFile
	if v, ok := os.LookupEnv(envPrefix + "ENV_FILE"); ok && v != "" {
		envFile = v
	}
	if v := flagValue(args, "env-file"); v != "" {
		envFile = v
	}
	cfg.EnvFile = envFile
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	fs := flag.NewFlagSet("sipcore", flag.ContinueOnError)

	// Flag defaults are the values after env parsing, so an unset flag
	// keeps the env or default value.
	fs.StringVar(&cfg.HostURL, "host-url", cfg.HostURL, "home automation host base URL (e.g. http://homeassistant.local:8123)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token for the host API")
	fs.StringVar(&cfg.Principal, "principal", cfg.Principal, "identity to register as (derived from the token if empty)")
	fs.StringVar(&cfg.ConfigFile, "config-file", cfg.ConfigFile, "path to a local JSON config, used instead of the host API")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "control API listen port")
	fs.StringVar(&cfg.SIPListenAddr, "sip-listen-addr", cfg.SIPListenAddr, "host:port for inbound SIP over udp/tcp (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APIPasswordHash, "api-password-hash", cfg.APIPasswordHash, "argon2id password hash for the control API (see hash-password)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "hex-encoded 32-byte secret for API token signing (auto-generated if empty)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "periodic config refetch interval (0 disables)")
	fs.StringVar(&cfg.EventType, "event-type", cfg.EventType, "host event type that triggers a config reload")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", cfg.SIPTrace, "SIP message trace level (off, headers, full)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "dotenv file read before the environment")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	resolveSource(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// loadEnvFile exports the dotenv file into the process environment.
// Variables already present in the environment win.
func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// flagValue finds a flag's value before the flag set is parsed.
func flagValue(args []string, name string) string {
	for i, a := range args {
		a = strings.TrimLeft(a, "-")
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return v
		}
	}
	return ""
}

// resolveSource lets a config source chosen on the command line replace
// one inherited from the environment.
func resolveSource(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	switch {
	case set["config-file"] && !set["host-url"]:
		cfg.HostURL = ""
	case set["host-url"] && !set["config-file"]:
		cfg.ConfigFile = ""
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPListenAddr != "" {
		_, port, err := net.SplitHostPort(c.SIPListenAddr)
		if err != nil {
			return fmt.Errorf("sip-listen-addr: %w", err)
		}
		if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("sip-listen-addr port must be between 0 and 65535, got %q", port)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTrace := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTrace[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	if (c.HostURL == "") == (c.ConfigFile == "") {
		return errors.New("exactly one of host-url and config-file must be set")
	}
	if c.HostURL != "" && c.Token == "" {
		return errors.New("token is required with host-url")
	}
	if c.ConfigFile != "" && c.Principal == "" && c.Token == "" {
		return errors.New("principal or token is required with config-file")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll-interval must not be negative, got %s", c.PollInterval)
	}
	if c.EventType == "" {
		c.EventType = defaultEventType
	}

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
