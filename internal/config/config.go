// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default SQL-safety lists. Reserved statements are matched against the
// upper-cased generated statement; any match blocks generation. Allowed
// functions are the only call patterns the sanitizer accepts.
var (
	DefaultReservedStatements = []string{
		`.*[^\\];.*`,
		`.*CREATE\s+TABLE.*`,
		`.*DROP\s+TABLE.*`,
		`.*ALTER\s+TABLE.*`,
		`.*DROP\s+DATABASE.*`,
		`.*CREATE\s+PROCEDURE.*`,
		`.*DELETE\s.*`,
		`.*INSERT\s.*`,
	}
	DefaultAllowedFunctions = []string{
		`.*COUNT\(.*\).*`,
		`.*SUM\(.*\).*`,
		`.*MIN\(.*\).*`,
		`.*MAX\(.*\).*`,
		`.*LOWER\(.*\).*`,
		`.*UPPER\(.*\).*`,
		`.*INET_ATON\(.*\).*`,
		`.*INET_NTOA\(.*\).*`,
		`.*CONVERT\(.*\).*`,
		`.*STR_TO_DATE\(.*\).*`,
	}
)

// RemoteEngineConfig holds the remote query engine endpoint and its
// per-operation timeouts. Next is long by default since pages may take
// arbitrarily long to compute.
type RemoteEngineConfig struct {
	BaseURI          string
	DuplicateTimeout time.Duration
	NextTimeout      time.Duration
	CloseTimeout     time.Duration
	CancelTimeout    time.Duration
	RemoveTimeout    time.Duration
}

// MonitorConfig controls the expiry janitor.
type MonitorConfig struct {
	Schedule  string        // cron spec, default every 30 minutes
	Interval  time.Duration // minimum wall-clock gap between cluster-wide checks
	LockWait  time.Duration
	LockLease time.Duration
}

// Config holds the configuration for the cached results service.
type Config struct {
	// Results store. Driver is "sqlite3" or "mysql"; the DSN is passed to
	// database/sql unchanged.
	StoreDriver string
	StoreDSN    string

	ListenAddr string
	LogLevel   string // debug, info, warn, error (default "info")

	// Materialization limits.
	NumFields         int   // generic storage columns per table
	DefaultPageSize   int
	MaxPageSize       int   // 0 = unlimited
	PageByteTrigger   int64 // 0 = disabled
	MaxInsertAttempts int
	MaxValueLength    int
	DaysToLive        int

	// Per-query lock bounds.
	LockWaitTime  time.Duration
	LockLeaseTime time.Duration

	// SQL safety lists.
	ReservedStatements []string
	AllowedFunctions   []string

	// Query logics that support caching via the event codec.
	CacheableLogics []string

	RemoteEngine RemoteEngineConfig
	Monitor      MonitorConfig

	// Async load workers.
	AsyncPoolSize int

	// Rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.StoreDriver != "sqlite3" && c.StoreDriver != "mysql" {
		return fmt.Errorf("unsupported store driver %q: must be \"sqlite3\" or \"mysql\"", c.StoreDriver)
	}
	if c.NumFields <= 0 {
		return fmt.Errorf("NUM_FIELDS must be positive")
	}
	if c.MaxInsertAttempts <= 0 {
		return fmt.Errorf("MAX_INSERT_ATTEMPTS must be positive")
	}
	if c.MaxPageSize > 0 && c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("DEFAULT_PAGE_SIZE (%d) exceeds MAX_PAGE_SIZE (%d)", c.DefaultPageSize, c.MaxPageSize)
	}
	if c.RemoteEngine.BaseURI == "" {
		return fmt.Errorf("QUERY_ENGINE_URI must be set")
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		StoreDriver: os.Getenv("STORE_DRIVER"),
		StoreDSN:    os.Getenv("STORE_DSN"),
		ListenAddr:  os.Getenv("LISTEN_ADDR"),
		LogLevel:    os.Getenv("LOG_LEVEL"),

		NumFields:         parseIntEnvDefault("NUM_FIELDS", 900),
		DefaultPageSize:   parseIntEnvDefault("DEFAULT_PAGE_SIZE", 20),
		MaxPageSize:       parseIntEnvDefault("MAX_PAGE_SIZE", 0),
		MaxInsertAttempts: parseIntEnvDefault("MAX_INSERT_ATTEMPTS", 10),
		MaxValueLength:    parseIntEnvDefault("MAX_VALUE_LENGTH", 1<<30),
		DaysToLive:        parseIntEnvDefault("DAYS_TO_LIVE", 1),

		LockWaitTime:  parseDurationEnvDefault("LOCK_WAIT_TIME", 5*time.Second),
		LockLeaseTime: parseDurationEnvDefault("LOCK_LEASE_TIME", 30*time.Second),

		RemoteEngine: RemoteEngineConfig{
			BaseURI:          os.Getenv("QUERY_ENGINE_URI"),
			DuplicateTimeout: parseDurationEnvDefault("QUERY_ENGINE_DUPLICATE_TIMEOUT", 30*time.Second),
			NextTimeout:      parseDurationEnvDefault("QUERY_ENGINE_NEXT_TIMEOUT", time.Hour),
			CloseTimeout:     parseDurationEnvDefault("QUERY_ENGINE_CLOSE_TIMEOUT", time.Hour),
			CancelTimeout:    parseDurationEnvDefault("QUERY_ENGINE_CANCEL_TIMEOUT", 30*time.Second),
			RemoveTimeout:    parseDurationEnvDefault("QUERY_ENGINE_REMOVE_TIMEOUT", 30*time.Second),
		},

		Monitor: MonitorConfig{
			Schedule:  os.Getenv("MONITOR_SCHEDULE"),
			Interval:  parseDurationEnvDefault("MONITOR_INTERVAL", 30*time.Minute),
			LockWait:  parseDurationEnvDefault("MONITOR_LOCK_WAIT", 5*time.Second),
			LockLease: parseDurationEnvDefault("MONITOR_LOCK_LEASE", 5*time.Minute),
		},

		AsyncPoolSize: parseIntEnvDefault("ASYNC_POOL_SIZE", 8),
	}

	if v := os.Getenv("PAGE_BYTE_TRIGGER"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.PageByteTrigger = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}
	if v := os.Getenv("RESERVED_STATEMENTS"); v != "" {
		cfg.ReservedStatements = splitTrimmed(v)
	}
	if v := os.Getenv("ALLOWED_FUNCTIONS"); v != "" {
		cfg.AllowedFunctions = splitTrimmed(v)
	}
	if v := os.Getenv("CACHEABLE_LOGICS"); v != "" {
		cfg.CacheableLogics = splitTrimmed(v)
	}

	// Defaults
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "sqlite3"
	}
	if cfg.StoreDSN == "" {
		cfg.StoreDSN = "cachedresults.sqlite"
		cfg.Warnings = append(cfg.Warnings, "STORE_DSN not set — using local sqlite file cachedresults.sqlite")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Monitor.Schedule == "" {
		cfg.Monitor.Schedule = "*/30 * * * *"
	}
	if len(cfg.ReservedStatements) == 0 {
		cfg.ReservedStatements = DefaultReservedStatements
	}
	if len(cfg.AllowedFunctions) == 0 {
		cfg.AllowedFunctions = DefaultAllowedFunctions
	}
	if len(cfg.CacheableLogics) == 0 {
		cfg.CacheableLogics = []string{"EventQuery"}
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}

	return cfg, nil
}

func parseIntEnvDefault(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseDurationEnvDefault(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitTrimmed(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
