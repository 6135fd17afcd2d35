// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage paths, rate limiting, the support workflow knobs, the
// outbound integrations (Redis, mail, scanner, realtime, embeddings) and
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-support-handoff")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SupportConfig tunes the escalation workflow.
type SupportConfig struct {
	Threshold       float64       // ESCALATION_THRESHOLD, default for agents without their own
	DedupWindow     time.Duration // NOTIFY_DEDUP_WINDOW, min gap between notification emails of a session
	PresenceTTL     time.Duration // PRESENCE_TTL, cached presence count lifetime
	PresenceTimeout time.Duration // PRESENCE_TIMEOUT, bound on one membership query
	MaxMessageRunes int           // MAX_MESSAGE_RUNES, 0 = unlimited
}

// QueueConfig selects and sizes the background task queue. With Redis
// configured tasks go through a stream; otherwise an in-process pool runs them.
type QueueConfig struct {
	Workers     int           // QUEUE_WORKERS (in-process pool)
	TaskTimeout time.Duration // QUEUE_TASK_TIMEOUT
	MaxAttempts int           // QUEUE_MAX_ATTEMPTS
	Stream      string        // QUEUE_STREAM
	Group       string        // QUEUE_GROUP
	Consumer    string        // QUEUE_CONSUMER (defaults to hostname)
}

// MailConfig holds the platform mail defaults. Agents with their own SMTP or
// IMAP servers override them.
type MailConfig struct {
	SMTPHost     string        // SMTP_HOST
	SMTPPort     int           // SMTP_PORT
	SMTPUsername string        // SMTP_USERNAME
	SMTPPassword string        // SMTP_PASSWORD
	From         string        // SMTP_FROM
	FromName     string        // SMTP_FROM_NAME
	SMTPTimeout  time.Duration // SMTP_TIMEOUT
	Domain       string        // MAIL_DOMAIN, right-hand side of Message-IDs
	TokenTTL     time.Duration // REPLY_TOKEN_TTL

	PollEnabled     bool          // IMAP_POLL_ENABLED
	PollInterval    time.Duration // IMAP_POLL_INTERVAL
	IMAPTimeout     time.Duration // IMAP_TIMEOUT
	PollLookback    time.Duration // IMAP_LOOKBACK
	PollParallelism int           // IMAP_PARALLELISM
}

// AttachmentConfig covers file storage, scanning and download links.
type AttachmentConfig struct {
	StorageDir     string        // UPLOAD_DIR
	ClamdAddr      string        // CLAMD_ADDR, empty disables scanning
	ScanTimeout    time.Duration // CLAMD_TIMEOUT
	DownloadSecret string        // DOWNLOAD_SECRET (HMAC key for signed links)
	DownloadTTL    time.Duration // DOWNLOAD_TTL
}

// PusherConfig holds realtime provider credentials. Empty AppID disables it.
type PusherConfig struct {
	AppID   string // PUSHER_APP_ID
	Key     string // PUSHER_KEY
	Secret  string // PUSHER_SECRET
	Cluster string // PUSHER_CLUSTER
}

// Enabled reports whether all credentials are present.
func (p PusherConfig) Enabled() bool {
	return p.AppID != "" && p.Key != "" && p.Secret != ""
}

// KnowledgeConfig configures the learned knowledge vector store.
type KnowledgeConfig struct {
	OpenAIKey      string // OPENAI_API_KEY
	OpenAIBaseURL  string // OPENAI_BASE_URL
	EmbeddingModel string // EMBEDDING_MODEL
	WeaviateURL    string // WEAVIATE_URL
	WeaviateAPIKey string // WEAVIATE_API_KEY
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

	// App
	DBPath        string  // SQLite path
	DataPath      string  // default path to the shared knowledge markdown
	DataMD        string  // optional override for DataPath
	SeedPath      string  // agents/operators/subscriptions YAML, optional
	Threshold     float64 // retrieval score below which no answer is given [0,1]
	PublicBaseURL string  // external origin used in signed download links

	// Integrations
	RedisURL    string // REDIS_URL, empty = in-memory cache and queue
	Support     SupportConfig
	Queue       QueueConfig
	Mail        MailConfig
	Attachments AttachmentConfig
	Pusher      PusherConfig
	Knowledge   KnowledgeConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

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

		// App
		DBPath:        getenv("DB_PATH", "app.db"),
		DataPath:      getenv("DATA_PATH", "data/data.md"),
		DataMD:        getenv("DATA_MD", ""),
		SeedPath:      getenv("SEED_PATH", ""),
		Threshold:     getfloat("THRESHOLD", 0.32),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		// Integrations
		RedisURL: getenv("REDIS_URL", ""),
		Support: SupportConfig{
			Threshold:       getfloat("ESCALATION_THRESHOLD", 0.60),
			DedupWindow:     getdur("NOTIFY_DEDUP_WINDOW", 60*time.Second),
			PresenceTTL:     getdur("PRESENCE_TTL", 5*time.Minute),
			PresenceTimeout: getdur("PRESENCE_TIMEOUT", 5*time.Second),
			MaxMessageRunes: getint("MAX_MESSAGE_RUNES", 4000),
		},
		Queue: QueueConfig{
			Workers:     getint("QUEUE_WORKERS", 4),
			TaskTimeout: getdur("QUEUE_TASK_TIMEOUT", 60*time.Second),
			MaxAttempts: getint("QUEUE_MAX_ATTEMPTS", 5),
			Stream:      getenv("QUEUE_STREAM", "support:tasks"),
			Group:       getenv("QUEUE_GROUP", "workers"),
			Consumer:    getenv("QUEUE_CONSUMER", hostname()),
		},
		Mail: MailConfig{
			SMTPHost:        getenv("SMTP_HOST", ""),
			SMTPPort:        getint("SMTP_PORT", 587),
			SMTPUsername:    getenv("SMTP_USERNAME", ""),
			SMTPPassword:    getenv("SMTP_PASSWORD", ""),
			From:            getenv("SMTP_FROM", ""),
			FromName:        getenv("SMTP_FROM_NAME", "Support"),
			SMTPTimeout:     getdur("SMTP_TIMEOUT", 15*time.Second),
			Domain:          getenv("MAIL_DOMAIN", "support.localhost"),
			TokenTTL:        getdur("REPLY_TOKEN_TTL", 72*time.Hour),
			PollEnabled:     getbool("IMAP_POLL_ENABLED", true),
			PollInterval:    getdur("IMAP_POLL_INTERVAL", time.Minute),
			IMAPTimeout:     getdur("IMAP_TIMEOUT", 30*time.Second),
			PollLookback:    getdur("IMAP_LOOKBACK", 7*24*time.Hour),
			PollParallelism: getint("IMAP_PARALLELISM", 4),
		},
		Attachments: AttachmentConfig{
			StorageDir:     getenv("UPLOAD_DIR", "uploads"),
			ClamdAddr:      getenv("CLAMD_ADDR", ""),
			ScanTimeout:    getdur("CLAMD_TIMEOUT", 10*time.Second),
			DownloadSecret: getenv("DOWNLOAD_SECRET", ""),
			DownloadTTL:    getdur("DOWNLOAD_TTL", 5*time.Minute),
		},
		Pusher: PusherConfig{
			AppID:   getenv("PUSHER_APP_ID", ""),
			Key:     getenv("PUSHER_KEY", ""),
			Secret:  getenv("PUSHER_SECRET", ""),
			Cluster: getenv("PUSHER_CLUSTER", "eu"),
		},
		Knowledge: KnowledgeConfig{
			OpenAIKey:      getenv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:  getenv("OPENAI_BASE_URL", ""),
			EmbeddingModel: getenv("EMBEDDING_MODEL", "text-embedding-3-small"),
			WeaviateURL:    getenv("WEAVIATE_URL", ""),
			WeaviateAPIKey: getenv("WEAVIATE_API_KEY", ""),
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

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-support-handoff"),
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
	if strings.TrimSpace(cfg.DataPath) == "" {
		return cfg, errors.New("DATA_PATH must not be empty")
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return cfg, errors.New("THRESHOLD must be between 0 and 1")
	}
	if cfg.Support.Threshold < 0 || cfg.Support.Threshold > 1 {
		return cfg, errors.New("ESCALATION_THRESHOLD must be between 0 and 1")
	}
	if cfg.Support.DedupWindow < 0 || cfg.Support.PresenceTTL <= 0 || cfg.Support.PresenceTimeout <= 0 {
		return cfg, errors.New("NOTIFY_DEDUP_WINDOW must be >= 0, PRESENCE_TTL and PRESENCE_TIMEOUT > 0")
	}
	if cfg.Support.MaxMessageRunes < 0 {
		return cfg, errors.New("MAX_MESSAGE_RUNES must be >= 0")
	}
	if cfg.Queue.Workers < 1 || cfg.Queue.MaxAttempts < 1 || cfg.Queue.TaskTimeout <= 0 {
		return cfg, errors.New("QUEUE_WORKERS and QUEUE_MAX_ATTEMPTS must be >= 1, QUEUE_TASK_TIMEOUT > 0")
	}
	if cfg.Mail.SMTPPort <= 0 || cfg.Mail.SMTPPort > 65535 {
		return cfg, errors.New("SMTP_PORT must be a valid port")
	}
	if cfg.Mail.PollInterval <= 0 || cfg.Mail.IMAPTimeout <= 0 || cfg.Mail.TokenTTL <= 0 {
		return cfg, errors.New("IMAP_POLL_INTERVAL, IMAP_TIMEOUT and REPLY_TOKEN_TTL must be > 0")
	}
	if strings.TrimSpace(cfg.Attachments.StorageDir) == "" {
		return cfg, errors.New("UPLOAD_DIR must not be empty")
	}
	if s := cfg.Attachments.DownloadSecret; s != "" && len(s) < 16 {
		return cfg, errors.New("DOWNLOAD_SECRET must be at least 16 bytes")
	}
	if cfg.Attachments.DownloadTTL <= 0 || cfg.Attachments.ScanTimeout <= 0 {
		return cfg, errors.New("DOWNLOAD_TTL and CLAMD_TIMEOUT must be > 0")
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
	// if cfg.APIBasePath == "" || cfg.APIBasePath[0] != '/' {
	// 	return cfg, errors.New("API_BASE_PATH must start with '/'")
	// }

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

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker-1"
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
