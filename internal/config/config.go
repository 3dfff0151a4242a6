// Package config provides relay configuration loaded from environment
// variables with defaults and validation. It covers HTTP server timeouts,
// logging, storage, WebSocket limits, key derivation, messaging and
// observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "meowtalk-relay")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WSConfig tunes relay connections. Zero timeouts disable them.
type WSConfig struct {
	IdleTimeout  time.Duration // WS_IDLE_TIMEOUT
	WriteTimeout time.Duration // WS_WRITE_TIMEOUT
	ReadLimit    int64         // WS_READ_LIMIT, bytes per frame
	SendBuffer   int           // WS_SEND_BUFFER, queued frames per connection
	FrameRPS     float64       // WS_FRAME_RPS, 0 disables the limiter
	FrameBurst   int           // WS_FRAME_BURST
}

// KeyConfig selects how per-user keys are derived.
type KeyConfig struct {
	KDF        string // pbkdf2|argon2id
	Iterations int    // PBKDF2 iterations, or Argon2id passes
	Secret     string // when set, passphrases are HMAC(secret, userID)
}

// AMQPConfig points at the broker relay events are published to.
type AMQPConfig struct {
	URL      string // empty disables publishing
	Exchange string
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

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBDriver string // sqlite|postgres
	DBPath   string // SQLite path
	DBDSN    string // Postgres DSN

	// Relay
	WS                WSConfig
	DefaultChatID     string // chat id used when a frame carries none
	GeneralChatName   string // display name of the default chat
	DefaultChatName   string // name of chats created implicitly by a message
	MigrateEncryption bool   // backfill missing per-user copies at startup
	Keys              KeyConfig
	AMQP              AMQPConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBDriver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:   getenv("DB_PATH", "messenger.db"),
		DBDSN:    getenv("DB_DSN", ""),

		// Relay
		WS: WSConfig{
			IdleTimeout:  getdur("WS_IDLE_TIMEOUT", 0),
			WriteTimeout: getdur("WS_WRITE_TIMEOUT", 10*time.Second),
			ReadLimit:    int64(getint("WS_READ_LIMIT", 1<<20)),
			SendBuffer:   getint("WS_SEND_BUFFER", 256),
			FrameRPS:     getfloat("WS_FRAME_RPS", 50),
			FrameBurst:   getint("WS_FRAME_BURST", 100),
		},
		DefaultChatID:     strings.TrimSpace(getenv("DEFAULT_CHAT_ID", "general")),
		GeneralChatName:   getenv("GENERAL_CHAT_NAME", "Общий чат"),
		DefaultChatName:   getenv("DEFAULT_CHAT_NAME", "Новый чат"),
		MigrateEncryption: getbool("MIGRATE_ENCRYPTION", false),
		Keys: KeyConfig{
			KDF:        strings.ToLower(getenv("KEY_KDF", "pbkdf2")),
			Iterations: getint("KEY_ITERATIONS", 10000),
			Secret:     getenv("KEY_SECRET", ""),
		},
		AMQP: AMQPConfig{
			URL:      getenv("AMQP_URL", ""),
			Exchange: getenv("AMQP_EXCHANGE", "meowtalk.events"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "meowtalk-relay"),
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
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DBDSN) == "" {
			return cfg, errors.New("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.WS.IdleTimeout < 0 || cfg.WS.WriteTimeout < 0 {
		return cfg, errors.New("WS timeouts must be >= 0")
	}
	if cfg.WS.ReadLimit <= 0 || cfg.WS.SendBuffer <= 0 {
		return cfg, errors.New("WS_READ_LIMIT and WS_SEND_BUFFER must be > 0")
	}
	if cfg.WS.FrameRPS < 0 {
		return cfg, errors.New("WS_FRAME_RPS must be >= 0")
	}
	if cfg.WS.FrameRPS > 0 && cfg.WS.FrameBurst < 1 {
		return cfg, errors.New("WS_FRAME_BURST must be >= 1")
	}
	if cfg.DefaultChatID == "" {
		return cfg, errors.New("DEFAULT_CHAT_ID must not be empty")
	}
	switch cfg.Keys.KDF {
	case "pbkdf2", "argon2id":
	default:
		return cfg, errors.New("KEY_KDF must be one of: pbkdf2, argon2id")
	}
	if cfg.Keys.Iterations < 1 {
		return cfg, errors.New("KEY_ITERATIONS must be >= 1")
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
	if cfg.AMQP.URL != "" && strings.TrimSpace(cfg.AMQP.Exchange) == "" {
		return cfg, errors.New("AMQP_EXCHANGE must not be empty when AMQP_URL is set")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// ---- helpers (no external deps) ----

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
