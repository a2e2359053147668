package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/upgrade-pipeline/internal/observability"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      *DatabaseConfig // Optional: nil disables persistence
	Audit         AuditConfig
	Mapper        MapperConfig
	Executor      ExecutorConfig
	Ticketing     TicketingConfig
	Events        EventsConfig
	Scheduler     SchedulerConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	InitSchema       bool
}

// CategoryConfig enables and weights one audit category
type CategoryConfig struct {
	Name         string
	Weight       float64
	Enabled      bool
	ValidatorURL string // From VALIDATOR_<CATEGORY>_URL
}

// AuditConfig holds audit orchestration configuration
type AuditConfig struct {
	Categories       []CategoryConfig
	ValidatorTimeout time.Duration
	ValidatorToken   string
	HistorySize      int
}

// MapperConfig holds the upgrade template source
type MapperConfig struct {
	TemplatesFile string // Empty uses the built-in table
}

// BackendConfig describes one HTTP capability provider
type BackendConfig struct {
	Name string
	URL  string
}

// ExecutorConfig holds execution and backend configuration
type ExecutorConfig struct {
	MaxConcurrent      int
	StopTimeout        time.Duration
	Backends           []BackendConfig
	DefaultBackend     string
	HarnessBackend     string            // runs test suites and deploys; defaults to DefaultBackend
	Routes             map[string]string // category -> backend
	BackendToken       string
	BackendRateLimit   float64
	BackendPoll        time.Duration
	AvailableResources []string
}

// TicketingConfig holds GitHub issue tracker configuration
type TicketingConfig struct {
	Token   string
	Owner   string
	Repo    string
	Labels  []string
	BaseURL string
}

// Enabled reports whether a tracker is configured
func (c *TicketingConfig) Enabled() bool {
	return c.Token != ""
}

// EventsConfig holds event publishing configuration
type EventsConfig struct {
	NATSURL       string // Empty keeps events in-process
	SubjectPrefix string
	BusBuffer     int
}

// SchedulerConfig holds periodic trigger configuration
type SchedulerConfig struct {
	Enabled       bool
	AuditInterval time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	categories, err := parseCategories(getEnv("AUDIT_CATEGORIES", "security:0.5,performance:0.3,accessibility:0.2"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUDIT_CATEGORIES: %w", err)
	}
	for i := range categories {
		categories[i].ValidatorURL = getEnv("VALIDATOR_"+envKey(categories[i].Name)+"_URL", "")
	}

	routes, err := parsePairs(getEnv("BACKEND_ROUTES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid BACKEND_ROUTES: %w", err)
	}

	var backends []BackendConfig
	for _, name := range getEnvAsList("BACKENDS", nil) {
		backends = append(backends, BackendConfig{
			Name: name,
			URL:  getEnv("BACKEND_"+envKey(name)+"_URL", ""),
		})
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: loadDatabaseConfig(),
		Audit: AuditConfig{
			Categories:       categories,
			ValidatorTimeout: getEnvAsDuration("AUDIT_VALIDATOR_TIMEOUT", 30*time.Second),
			ValidatorToken:   getEnv("VALIDATOR_TOKEN", ""),
			HistorySize:      getEnvAsInt("AUDIT_HISTORY_SIZE", 10),
		},
		Mapper: MapperConfig{
			TemplatesFile: getEnv("UPGRADE_TEMPLATES_FILE", ""),
		},
		Executor: ExecutorConfig{
			MaxConcurrent:      getEnvAsInt("EXECUTOR_MAX_CONCURRENT", 4),
			StopTimeout:        getEnvAsDuration("EXECUTOR_STOP_TIMEOUT", 30*time.Second),
			Backends:           backends,
			DefaultBackend:     getEnv("BACKEND_DEFAULT", ""),
			HarnessBackend:     getEnv("BACKEND_HARNESS", getEnv("BACKEND_DEFAULT", "")),
			Routes:             routes,
			BackendToken:       getEnv("BACKEND_TOKEN", ""),
			BackendRateLimit:   getEnvAsFloat("BACKEND_RATE_LIMIT", 5),
			BackendPoll:        getEnvAsDuration("BACKEND_POLL_INTERVAL", 2*time.Second),
			AvailableResources: getEnvAsList("EXECUTOR_AVAILABLE_RESOURCES", nil),
		},
		Ticketing: TicketingConfig{
			Token:   getEnv("GITHUB_TOKEN", ""),
			Owner:   getEnv("GITHUB_OWNER", ""),
			Repo:    getEnv("GITHUB_REPO", ""),
			Labels:  getEnvAsList("GITHUB_LABELS", []string{"upgrade-pipeline"}),
			BaseURL: getEnv("GITHUB_BASE_URL", ""),
		},
		Events: EventsConfig{
			NATSURL:       getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "pipeline"),
			BusBuffer:     getEnvAsInt("EVENT_BUS_BUFFER", 64),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getEnvAsBool("SCHEDULER_ENABLED", false),
			AuditInterval: getEnvAsDuration("SCHEDULER_AUDIT_INTERVAL", 24*time.Hour),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Database != nil && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	// Audit validation
	seen := make(map[string]bool, len(c.Audit.Categories))
	for _, cat := range c.Audit.Categories {
		if cat.Name == "" {
			return fmt.Errorf("audit category name cannot be empty")
		}
		if seen[cat.Name] {
			return fmt.Errorf("duplicate audit category: %s", cat.Name)
		}
		seen[cat.Name] = true
		if cat.Weight < 0 || cat.Weight > 1 {
			return fmt.Errorf("audit category %s: weight %v outside [0,1]", cat.Name, cat.Weight)
		}
	}
	if c.Audit.HistorySize <= 0 {
		return fmt.Errorf("audit history size must be positive")
	}

	// Executor validation
	if c.Executor.MaxConcurrent <= 0 {
		return fmt.Errorf("executor max concurrency must be positive")
	}
	names := make(map[string]bool, len(c.Executor.Backends))
	for _, b := range c.Executor.Backends {
		if b.URL == "" {
			return fmt.Errorf("backend %s: BACKEND_%s_URL is required", b.Name, envKey(b.Name))
		}
		names[b.Name] = true
	}
	if c.Executor.DefaultBackend != "" && !names[c.Executor.DefaultBackend] {
		return fmt.Errorf("default backend %s is not configured", c.Executor.DefaultBackend)
	}
	if c.Executor.HarnessBackend != "" && !names[c.Executor.HarnessBackend] {
		return fmt.Errorf("harness backend %s is not configured", c.Executor.HarnessBackend)
	}
	for category, backend := range c.Executor.Routes {
		if !names[backend] {
			return fmt.Errorf("route %s -> %s: backend is not configured", category, backend)
		}
	}

	// Ticketing validation
	if c.Ticketing.Enabled() && (c.Ticketing.Owner == "" || c.Ticketing.Repo == "") {
		return fmt.Errorf("GITHUB_OWNER and GITHUB_REPO are required when GITHUB_TOKEN is set")
	}

	if c.Scheduler.Enabled && c.Scheduler.AuditInterval <= 0 {
		return fmt.Errorf("scheduler audit interval must be positive")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if _, err := observability.ParseLevel(c.Observability.LogLevel); err != nil {
		return err
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig reads DATABASE_URL or DB_* vars. Neither set means no persistence.
func loadDatabaseConfig() *DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", true),
	}

	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return &pool
	}
	if host := getEnv("DB_HOST", ""); host != "" {
		pool.Host = host
		pool.Port = getEnvAsInt("DB_PORT", 5432)
		pool.User = getEnv("DB_USER", "pipeline")
		pool.Password = getEnv("DB_PASSWORD", "")
		pool.Database = getEnv("DB_NAME", "upgrade_pipeline")
		pool.SSLMode = getEnv("DB_SSLMODE", "disable")
		return &pool
	}
	return nil
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// parseCategories parses "name:weight[,name:weight]". A "!" prefix disables a category.
func parseCategories(raw string) ([]CategoryConfig, error) {
	var out []CategoryConfig
	for _, item := range splitList(raw) {
		name, weightStr, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("expected name:weight, got %q", item)
		}
		weight, err := strconv.ParseFloat(strings.TrimSpace(weightStr), 64)
		if err != nil {
			return nil, fmt.Errorf("category %s: invalid weight %q", name, weightStr)
		}
		name = strings.TrimSpace(name)
		enabled := !strings.HasPrefix(name, "!")
		out = append(out, CategoryConfig{
			Name:    strings.TrimPrefix(name, "!"),
			Weight:  weight,
			Enabled: enabled,
		})
	}
	return out, nil
}

// parsePairs parses "key:value[,key:value]"
func parsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(raw) {
		k, v, ok := strings.Cut(item, ":")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("expected key:value, got %q", item)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

// envKey turns a category or backend name into its env var fragment
func envKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if values := splitList(os.Getenv(key)); len(values) > 0 {
		return values
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
