// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the gate's safety
// thresholds together with server, logging, database, rate limiting, and
// observability settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/notify-gate/internal/rules"
	"github.com/tbourn/notify-gate/internal/services"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// GateConfig holds the safety thresholds.
type GateConfig struct {
	GracePeriod         time.Duration // GRACE_PERIOD
	KillSwitch          bool          // KILL_SWITCH (env override, OR'ed with the durable flag)
	KillSwitchFile      string        // KILL_SWITCH_FILE sentinel, mirrored by the watcher
	HourlyLimit         int           // HOURLY_LIMIT
	DailyLimit          int           // DAILY_LIMIT
	SimilarityThreshold float64       // SIMILARITY_THRESHOLD in [0,1]
	DuplicateWindow     time.Duration // DUPLICATE_WINDOW
	EvaluateTimeout     time.Duration // EVALUATE_TIMEOUT
	InFlightTTL         time.Duration // IN_FLIGHT_TTL
	RulesFile           string        // RULES_FILE (optional YAML overrides)

	HoursEnabled bool   // BUSINESS_HOURS_ENABLED
	HoursStart   string // BUSINESS_HOURS_START, HH:MM
	HoursEnd     string // BUSINESS_HOURS_END, HH:MM
	Timezone     string // BUSINESS_TIMEZONE, IANA name or "Local"
}

// MarkerConfig configures the side-channel marker store.
type MarkerConfig struct {
	Path string        // MARKER_PATH; "off" disables markers
	TTL  time.Duration // MARKER_TTL
}

// QueueConfig configures the delivery queue.
type QueueConfig struct {
	Workers        int           // QUEUE_WORKERS
	MaxAttempts    int           // QUEUE_MAX_ATTEMPTS
	InitialBackoff time.Duration // QUEUE_INITIAL_BACKOFF
	MaxBackoff     time.Duration // QUEUE_MAX_BACKOFF
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	APIBasePath       string        // base path for API routes

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBPath string // SQLite path
	Marker MarkerConfig

	// Gate
	Gate  GateConfig
	Queue QueueConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long an outcome Idempotency-Key is remembered

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Storage
		DBPath: getenv("DB_PATH", "notify.db"),
		Marker: MarkerConfig{
			Path: markerPath(),
			TTL:  getdur("MARKER_TTL", 24*time.Hour),
		},

		// Gate
		Gate: GateConfig{
			GracePeriod:         getdur("GRACE_PERIOD", 4*time.Minute),
			KillSwitch:          getbool("KILL_SWITCH", false),
			KillSwitchFile:      getenv("KILL_SWITCH_FILE", ""),
			HourlyLimit:         getint("HOURLY_LIMIT", 3),
			DailyLimit:          getint("DAILY_LIMIT", 10),
			SimilarityThreshold: getfloat("SIMILARITY_THRESHOLD", 0.8),
			DuplicateWindow:     getdur("DUPLICATE_WINDOW", 24*time.Hour),
			EvaluateTimeout:     getdur("EVALUATE_TIMEOUT", 5*time.Second),
			InFlightTTL:         getdur("IN_FLIGHT_TTL", 10*time.Minute),
			RulesFile:           getenv("RULES_FILE", ""),
			HoursEnabled:        getbool("BUSINESS_HOURS_ENABLED", true),
			HoursStart:          getenv("BUSINESS_HOURS_START", "09:00"),
			HoursEnd:            getenv("BUSINESS_HOURS_END", "20:00"),
			Timezone:            getenv("BUSINESS_TIMEZONE", "Local"),
		},
		Queue: QueueConfig{
			Workers:        getint("QUEUE_WORKERS", 2),
			MaxAttempts:    getint("QUEUE_MAX_ATTEMPTS", 3),
			InitialBackoff: getdur("QUEUE_INITIAL_BACKOFF", 2*time.Second),
			MaxBackoff:     getdur("QUEUE_MAX_BACKOFF", time.Minute),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "notify-gate"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Marker.TTL <= 0 {
		return cfg, errors.New("MARKER_TTL must be > 0")
	}
	if err := validateGate(cfg.Gate); err != nil {
		return cfg, err
	}
	if cfg.Queue.Workers < 1 {
		return cfg, errors.New("QUEUE_WORKERS must be >= 1")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return cfg, errors.New("QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Queue.InitialBackoff <= 0 || cfg.Queue.MaxBackoff < cfg.Queue.InitialBackoff {
		return cfg, errors.New("QUEUE_INITIAL_BACKOFF must be > 0 and <= QUEUE_MAX_BACKOFF")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func validateGate(g GateConfig) error {
	if g.GracePeriod < 0 {
		return errors.New("GRACE_PERIOD must be >= 0")
	}
	if g.HourlyLimit < 1 || g.DailyLimit < 1 {
		return errors.New("HOURLY_LIMIT and DAILY_LIMIT must be >= 1")
	}
	if g.HourlyLimit > g.DailyLimit {
		return errors.New("HOURLY_LIMIT must not exceed DAILY_LIMIT")
	}
	if g.SimilarityThreshold < 0 || g.SimilarityThreshold > 1 {
		return errors.New("SIMILARITY_THRESHOLD must be between 0 and 1")
	}
	if g.DuplicateWindow <= 0 {
		return errors.New("DUPLICATE_WINDOW must be > 0")
	}
	if g.EvaluateTimeout <= 0 {
		return errors.New("EVALUATE_TIMEOUT must be > 0")
	}
	if g.InFlightTTL <= 0 {
		return errors.New("IN_FLIGHT_TTL must be > 0")
	}
	if _, err := services.ParseClock(g.HoursStart); err != nil {
		return fmt.Errorf("BUSINESS_HOURS_START: %w", err)
	}
	if _, err := services.ParseClock(g.HoursEnd); err != nil {
		return fmt.Errorf("BUSINESS_HOURS_END: %w", err)
	}
	if _, err := loadLocation(g.Timezone); err != nil {
		return fmt.Errorf("BUSINESS_TIMEZONE: %w", err)
	}
	return nil
}

// Settings converts the gate section into services.Settings, loading the
// optional rule overrides file.
func (c Config) Settings() (services.Settings, error) {
	g := c.Gate
	start, err := services.ParseClock(g.HoursStart)
	if err != nil {
		return services.Settings{}, err
	}
	end, err := services.ParseClock(g.HoursEnd)
	if err != nil {
		return services.Settings{}, err
	}
	loc, err := loadLocation(g.Timezone)
	if err != nil {
		return services.Settings{}, err
	}

	cat := rules.DefaultCatalog()
	if g.RulesFile != "" {
		ov, err := rules.LoadOverrides(g.RulesFile)
		if err != nil {
			return services.Settings{}, err
		}
		if cat, err = cat.WithOverrides(ov); err != nil {
			return services.Settings{}, err
		}
	}

	return services.Settings{
		GracePeriod:         g.GracePeriod,
		KillSwitch:          g.KillSwitch,
		HourlyLimit:         g.HourlyLimit,
		DailyLimit:          g.DailyLimit,
		SimilarityThreshold: g.SimilarityThreshold,
		DuplicateWindow:     g.DuplicateWindow,
		Hours: services.BusinessHours{
			Enabled:  g.HoursEnabled,
			Start:    start,
			End:      end,
			Location: loc,
		},
		EvaluateTimeout: g.EvaluateTimeout,
		InFlightTTL:     g.InFlightTTL,
		ReceiptTTL:      c.IdempotencyTTL,
		Catalog:         cat,
	}, nil
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// ---- helpers (no external deps) ----

// markerPath returns the marker directory, or "" when MARKER_PATH is "off"
// or "none".
func markerPath() string {
	v := strings.TrimSpace(getenv("MARKER_PATH", "notify.markers"))
	switch strings.ToLower(v) {
	case "off", "none":
		return ""
	}
	return v
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
