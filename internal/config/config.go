// Package config handles loading and validation of onPulse configuration.
// It loads from .env files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Oura OAuth application
	OuraClientID     string // OURA_CLIENT_ID
	OuraClientSecret string // OURA_CLIENT_SECRET
	OuraRedirectURI  string // OURA_REDIRECT_URI
	OuraAPIBaseURL   string // OURA_API_BASE_URL
	OuraAuthorizeURL string // OURA_AUTHORIZE_URL
	OuraTokenURL     string // OURA_TOKEN_URL

	// Session gate
	JWTSecret    string        // JWT_SECRET
	JWTExpiresIn time.Duration // JWT_EXPIRES_IN (Go duration or "<n>d")
	AllowedEmail string        // ALLOWED_EMAIL
	AdminPass    string        // ONPULSE_ADMIN_PASS

	// 2FA mail delivery; codes are logged when SMTPHost is empty
	SMTPHost string // SMTP_HOST
	SMTPPort int    // SMTP_PORT
	SMTPUser string // SMTP_USER
	SMTPPass string // SMTP_PASS
	SMTPFrom string // SMTP_FROM

	// Server
	ClientURL       string        // CLIENT_URL
	Port            int           // ONPULSE_PORT (fallback PORT)
	Host            string        // ONPULSE_HOST
	CORSOrigins     []string      // ONPULSE_CORS_ORIGINS (comma-separated)
	DBPath          string        // ONPULSE_DB_PATH
	LogLevel        string        // ONPULSE_LOG_LEVEL
	LogFile         string        // ONPULSE_LOG_FILE
	UpstreamTimeout time.Duration // ONPULSE_UPSTREAM_TIMEOUT (seconds)
	CacheTTL        time.Duration // ONPULSE_CACHE_TTL (seconds, 0 disables)
	DebugMode       bool          // --debug flag
}

// envWithFallback reads the primary env var, falling back to the secondary name.
func envWithFallback(primary, fallback string) string {
	if v := os.Getenv(primary); v != "" {
		return v
	}
	return os.Getenv(fallback)
}

// flagValues holds parsed CLI flags.
type flagValues struct {
	port  int
	db    string
	debug bool
}

// Load reads configuration from .env file, environment variables, and CLI flags.
// Flags take precedence over environment variables.
func Load() (*Config, error) {
	return loadWithArgs(os.Args[1:])
}

// loadWithArgs loads config with specific arguments (for testing).
func loadWithArgs(args []string) (*Config, error) {
	flags := &flagValues{}

	// Parse CLI flags manually to avoid flag.ExitOnError in tests
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--debug":
			flags.debug = true
		case strings.HasPrefix(arg, "--port="):
			if v, err := strconv.Atoi(strings.TrimPrefix(arg, "--port=")); err == nil {
				flags.port = v
			}
		case arg == "--port":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.port = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--db="):
			flags.db = strings.TrimPrefix(arg, "--db=")
		case arg == "--db":
			if i+1 < len(args) {
				flags.db = args[i+1]
				i++
			}
		}
	}

	return loadFromEnvAndFlags(flags)
}

// loadFromEnvAndFlags combines environment variables with CLI flags.
func loadFromEnvAndFlags(flags *flagValues) (*Config, error) {
	// Try to load .env file (ignore errors - file is optional)
	_ = godotenv.Load(".env")

	cfg := &Config{}

	cfg.OuraClientID = os.Getenv("OURA_CLIENT_ID")
	cfg.OuraClientSecret = os.Getenv("OURA_CLIENT_SECRET")
	cfg.OuraRedirectURI = os.Getenv("OURA_REDIRECT_URI")
	cfg.OuraAPIBaseURL = os.Getenv("OURA_API_BASE_URL")
	cfg.OuraAuthorizeURL = os.Getenv("OURA_AUTHORIZE_URL")
	cfg.OuraTokenURL = os.Getenv("OURA_TOKEN_URL")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if env := os.Getenv("JWT_EXPIRES_IN"); env != "" {
		d, err := parseDuration(env)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT_EXPIRES_IN: %w", err)
		}
		cfg.JWTExpiresIn = d
	}
	cfg.AllowedEmail = strings.TrimSpace(os.Getenv("ALLOWED_EMAIL"))
	cfg.AdminPass = os.Getenv("ONPULSE_ADMIN_PASS")

	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	if env := os.Getenv("SMTP_PORT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.SMTPPort = v
		}
	}
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPass = os.Getenv("SMTP_PASS")
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")

	cfg.ClientURL = strings.TrimRight(os.Getenv("CLIENT_URL"), "/")

	// Port
	if flags.port > 0 {
		cfg.Port = flags.port
	} else if env := envWithFallback("ONPULSE_PORT", "PORT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.Port = v
		}
	}
	cfg.Host = os.Getenv("ONPULSE_HOST")

	if env := os.Getenv("ONPULSE_CORS_ORIGINS"); env != "" {
		for _, o := range strings.Split(env, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	// DB Path
	if flags.db != "" {
		cfg.DBPath = flags.db
	} else {
		cfg.DBPath = os.Getenv("ONPULSE_DB_PATH")
	}

	cfg.LogLevel = os.Getenv("ONPULSE_LOG_LEVEL")
	cfg.LogFile = os.Getenv("ONPULSE_LOG_FILE")

	if env := os.Getenv("ONPULSE_UPSTREAM_TIMEOUT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.UpstreamTimeout = time.Duration(v) * time.Second
		}
	}

	cfg.CacheTTL = -1
	if env := os.Getenv("ONPULSE_CACHE_TTL"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.CacheTTL = time.Duration(v) * time.Second
		}
	}

	cfg.DebugMode = flags.debug

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.JWTExpiresIn == 0 {
		c.JWTExpiresIn = 24 * time.Hour
	}
	if c.ClientURL == "" {
		c.ClientURL = "http://localhost:3000"
	}
	if c.Port == 0 {
		c.Port = 3001
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{c.ClientURL}
	}
	if c.SMTPPort == 0 {
		c.SMTPPort = 587
	}
	if c.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			c.DBPath = "./onpulse.db"
		} else {
			c.DBPath = filepath.Join(home, ".onpulse", "data", "onpulse.db")
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
		if c.DebugMode {
			c.LogLevel = "debug"
		}
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = 15 * time.Second
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = 300 * time.Second
	}
	if c.OuraRedirectURI == "" {
		c.OuraRedirectURI = fmt.Sprintf("http://localhost:%d/api/oauth/callback", c.Port)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.AllowedEmail == "" {
		return fmt.Errorf("ALLOWED_EMAIL must be set")
	}
	if !strings.Contains(c.AllowedEmail, "@") {
		return fmt.Errorf("ALLOWED_EMAIL must be an email address")
	}

	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535")
	}

	if c.UpstreamTimeout < time.Second || c.UpstreamTimeout > 120*time.Second {
		return fmt.Errorf("upstream timeout must be between 1s and 120s")
	}

	if c.JWTExpiresIn < time.Minute {
		return fmt.Errorf("JWT_EXPIRES_IN must be at least 1m")
	}

	return nil
}

// HasOuraCredentials reports whether the OAuth client id and secret are set.
// Missing credentials are not a startup error; OAuth flows report them.
func (c *Config) HasOuraCredentials() bool {
	return c.OuraClientID != "" && c.OuraClientSecret != ""
}

// HasSMTP reports whether 2FA codes can be mailed.
func (c *Config) HasSMTP() bool {
	return c.SMTPHost != ""
}

// String returns a redacted string representation of the config.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  OuraClientID: %s,\n", redactAPIKey(c.OuraClientID, ""))
	fmt.Fprintf(&sb, "  OuraClientSecret: %s,\n", redactAPIKey(c.OuraClientSecret, ""))
	fmt.Fprintf(&sb, "  OuraRedirectURI: %s,\n", c.OuraRedirectURI)
	fmt.Fprintf(&sb, "  JWTSecret: %s,\n", redactAPIKey(c.JWTSecret, ""))
	fmt.Fprintf(&sb, "  JWTExpiresIn: %v,\n", c.JWTExpiresIn)
	fmt.Fprintf(&sb, "  AllowedEmail: %s,\n", c.AllowedEmail)
	fmt.Fprintf(&sb, "  AdminPass: ****,\n")
	fmt.Fprintf(&sb, "  SMTPHost: %s,\n", c.SMTPHost)
	fmt.Fprintf(&sb, "  SMTPPass: ****,\n")
	fmt.Fprintf(&sb, "  ClientURL: %s,\n", c.ClientURL)
	fmt.Fprintf(&sb, "  Port: %d,\n", c.Port)
	fmt.Fprintf(&sb, "  CORSOrigins: %v,\n", c.CORSOrigins)
	fmt.Fprintf(&sb, "  DBPath: %s,\n", c.DBPath)
	fmt.Fprintf(&sb, "  LogLevel: %s,\n", c.LogLevel)
	fmt.Fprintf(&sb, "  UpstreamTimeout: %v,\n", c.UpstreamTimeout)
	fmt.Fprintf(&sb, "  CacheTTL: %v,\n", c.CacheTTL)
	fmt.Fprintf(&sb, "  DebugMode: %v,\n", c.DebugMode)
	fmt.Fprintf(&sb, "}")
	return sb.String()
}

// redactAPIKey masks a secret for display.
func redactAPIKey(key string, expectedPrefix string) string {
	if key == "" {
		return "(not set)"
	}

	if expectedPrefix != "" && !strings.HasPrefix(key, expectedPrefix) {
		return "***...***"
	}

	prefixLen := len(expectedPrefix)
	if len(key) <= prefixLen+7 {
		return expectedPrefix + "***...***"
	}

	// Show first 4 chars after prefix and last 3 chars
	return key[:prefixLen+4] + "***...***" + key[len(key)-3:]
}

// parseDuration accepts Go durations plus a day suffix ("7d").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// LogWriter returns the log destination: ONPULSE_LOG_FILE when set, else stdout.
func (c *Config) LogWriter() (io.Writer, error) {
	if c.LogFile == "" || c.DebugMode {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}
