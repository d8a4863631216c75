package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config is the complete application configuration, immutable once loaded.
// Priority system: CLI flags > Environment variables > Config file > Defaults
type Config struct {
	Environment string            `toml:"environment"`
	Server      ServerConfig      `toml:"server"`
	Queue       QueueConfig       `toml:"queue"`
	Storage     StorageConfig     `toml:"storage"`
	Logging     LoggingConfig     `toml:"logging"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
	LLM         LLMConfig         `toml:"llm"`
	Gemini      GeminiConfig      `toml:"gemini"`
	Claude      ClaudeConfig      `toml:"claude"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Search      SearchConfig      `toml:"search"`
	Schemas     SchemasConfig     `toml:"schemas"`
	Datasets    DatasetsConfig    `toml:"datasets"`
	Intake      IntakeConfig      `toml:"intake"`
	Reports     ReportsConfig     `toml:"reports"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"min=1,max=65535"`
}

// QueueConfig contains the extraction scheduler settings. The durations are
// strings parsed with time.ParseDuration; changing any of these requires a
// restart because jobs snapshot max_attempts at creation and the scheduler
// reads the whole section exactly once at startup.
type QueueConfig struct {
	// Concurrency is the worker pool size. Zero is valid and means no
	// workers claim anything (used for test isolation).
	Concurrency int `toml:"concurrency" validate:"min=0"`

	// ClaimTimeout is the lease duration granted on claim and renewal.
	ClaimTimeout string `toml:"claim_timeout"`

	// ClaimHeartbeat is the renewal period; must be shorter than
	// ClaimTimeout so a healthy worker always renews before expiry.
	ClaimHeartbeat string `toml:"claim_heartbeat"`

	// RecoveryInterval is the expired-lease sweep period.
	RecoveryInterval string `toml:"recovery_interval"`

	// MaxAttempts is the retry ceiling snapshotted onto each new job.
	MaxAttempts int `toml:"max_attempts" validate:"min=1"`
}

// ClaimTimeoutDuration returns the parsed lease duration. Validation at load
// time guarantees the string parses, so a zero return only happens for a
// QueueConfig that never went through Validate.
func (c QueueConfig) ClaimTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ClaimTimeout)
	return d
}

// ClaimHeartbeatDuration returns the parsed renewal period.
func (c QueueConfig) ClaimHeartbeatDuration() time.Duration {
	d, _ := time.ParseDuration(c.ClaimHeartbeat)
	return d
}

// RecoveryIntervalDuration returns the parsed sweep period.
func (c QueueConfig) RecoveryIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.RecoveryInterval)
	return d
}

// StorageConfig contains storage backend settings
type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig contains BadgerDB settings
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string   `toml:"format"`
	Output []string `toml:"output"`
}

// WebSocketConfig controls the status stream pushed to UI clients
type WebSocketConfig struct {
	// AllowedEvents whitelists event types forwarded to clients.
	AllowedEvents []string `toml:"allowed_events"`

	// ThrottleInterval caps broadcast frequency per event type.
	ThrottleInterval string `toml:"throttle_interval"`

	// MinLogLevel is the lowest log level forwarded over the stream.
	MinLogLevel string `toml:"min_log_level"`

	// ExcludePatterns drops log lines containing any of these substrings,
	// keeping transport chatter out of the stream it feeds.
	ExcludePatterns []string `toml:"exclude_patterns"`
}

// LLMConfig selects the extraction provider
type LLMConfig struct {
	DefaultProvider string `toml:"default_provider" validate:"oneof=gemini claude"`
}

// GeminiConfig contains Google Gemini API settings
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     string  `toml:"timeout"`
	Temperature float32 `toml:"temperature"`
}

// ClaudeConfig contains Anthropic Claude API settings
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     string  `toml:"timeout"`
	Temperature float32 `toml:"temperature"`
}

// PipelineConfig contains fetch and render settings for the extraction pipeline
type PipelineConfig struct {
	FetchTimeout   string  `toml:"fetch_timeout"`
	UserAgent      string  `toml:"user_agent"`
	RatePerSecond  float64 `toml:"rate_per_second"`
	RateBurst      int     `toml:"rate_burst"`
	MaxBodyMB      int     `toml:"max_body_mb"`
	RenderFallback bool    `toml:"render_fallback"`
	RenderTimeout  string  `toml:"render_timeout"`
}

// FetchTimeoutDuration returns the parsed per-request fetch deadline.
func (c PipelineConfig) FetchTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.FetchTimeout)
	return d
}

// RenderTimeoutDuration returns the parsed browser render deadline.
func (c PipelineConfig) RenderTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.RenderTimeout)
	return d
}

// SearchConfig contains the literature source adapters
type SearchConfig struct {
	Arxiv     ArxivConfig     `toml:"arxiv"`
	Crossref  CrossrefConfig  `toml:"crossref"`
	Publisher PublisherConfig `toml:"publisher"`
}

// ArxivConfig contains arXiv API settings
type ArxivConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
}

// CrossrefConfig contains Crossref REST API settings
type CrossrefConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	MailTo  string `toml:"mailto"`
}

// PublisherConfig contains the OAuth2 client-credentials publisher gateway
type PublisherConfig struct {
	Enabled      bool   `toml:"enabled"`
	BaseURL      string `toml:"base_url"`
	TokenURL     string `toml:"token_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// SchemasConfig locates extraction schema definitions
type SchemasConfig struct {
	Dir     string `toml:"dir"`
	Default string `toml:"default"`
}

// DatasetsConfig locates ground-truth datasets for match-rate scoring
type DatasetsConfig struct {
	Dir    string              `toml:"dir"`
	GitHub DatasetGitHubConfig `toml:"github"`
}

// DatasetGitHubConfig points at a GitHub-hosted dataset repository
type DatasetGitHubConfig struct {
	Repo   string `toml:"repo"`
	Path   string `toml:"path"`
	Branch string `toml:"branch"`
	Token  string `toml:"token"`
}

// IntakeConfig contains the email submission mailbox settings
type IntakeConfig struct {
	Enabled       bool   `toml:"enabled"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	UseTLS        bool   `toml:"use_tls"`
	SubjectFilter string `toml:"subject_filter"`
	Schedule      string `toml:"schedule"`
}

// ReportsConfig contains batch report export settings
type ReportsConfig struct {
	Dir string `toml:"dir"`
}

// MaintenanceConfig contains cron schedules for background upkeep
type MaintenanceConfig struct {
	GCSchedule             string `toml:"gc_schedule"`
	DatasetRefreshSchedule string `toml:"dataset_refresh_schedule"`
}

// NewDefaultConfig returns configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8086,
		},
		Queue: QueueConfig{
			Concurrency:      100,
			ClaimTimeout:     "5m",
			ClaimHeartbeat:   "1m",
			RecoveryInterval: "1m",
			MaxAttempts:      3,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/excerpo",
				ResetOnStartup: false,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			AllowedEvents:    []string{"run_status", "batch_status", "queue_stats", "log"},
			ThrottleInterval: "200ms",
			MinLogLevel:      "info",
			ExcludePatterns:  []string{"WebSocket client", "WebSocket send", "HTTP request", "HTTP response"},
		},
		LLM: LLMConfig{
			DefaultProvider: "gemini",
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			MaxTokens:   8192,
			Timeout:     "2m",
			Temperature: 0.2,
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   8192,
			Timeout:     "2m",
			Temperature: 0.2,
		},
		Pipeline: PipelineConfig{
			FetchTimeout:   "45s",
			UserAgent:      "Excerpo/1.0 (+https://github.com/ternarybob/excerpo)",
			RatePerSecond:  2,
			RateBurst:      4,
			MaxBodyMB:      32,
			RenderFallback: false,
			RenderTimeout:  "90s",
		},
		Search: SearchConfig{
			Arxiv: ArxivConfig{
				Enabled: true,
				BaseURL: "https://export.arxiv.org/api/query",
			},
			Crossref: CrossrefConfig{
				Enabled: true,
				BaseURL: "https://api.crossref.org",
			},
			Publisher: PublisherConfig{
				Enabled: false,
			},
		},
		Schemas: SchemasConfig{
			Dir:     "./schemas",
			Default: "paper_core",
		},
		Datasets: DatasetsConfig{
			Dir: "./datasets",
			GitHub: DatasetGitHubConfig{
				Branch: "main",
			},
		},
		Intake: IntakeConfig{
			Enabled:       false,
			Port:          993,
			UseTLS:        true,
			SubjectFilter: "extract",
			Schedule:      "*/5 * * * *",
		},
		Reports: ReportsConfig{
			Dir: "./reports",
		},
		Maintenance: MaintenanceConfig{
			GCSchedule:             "*/10 * * * *",
			DatasetRefreshSchedule: "@daily",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files; later files override
// earlier files, environment variables override all of them.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks field constraints and the cross-field lease timing rule.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	claimTimeout, err := time.ParseDuration(c.Queue.ClaimTimeout)
	if err != nil {
		return fmt.Errorf("queue.claim_timeout: %w", err)
	}
	claimHeartbeat, err := time.ParseDuration(c.Queue.ClaimHeartbeat)
	if err != nil {
		return fmt.Errorf("queue.claim_heartbeat: %w", err)
	}
	if _, err := time.ParseDuration(c.Queue.RecoveryInterval); err != nil {
		return fmt.Errorf("queue.recovery_interval: %w", err)
	}
	if claimHeartbeat >= claimTimeout {
		return fmt.Errorf("queue.claim_heartbeat (%s) must be shorter than queue.claim_timeout (%s)", c.Queue.ClaimHeartbeat, c.Queue.ClaimTimeout)
	}

	if _, err := time.ParseDuration(c.Pipeline.FetchTimeout); err != nil {
		return fmt.Errorf("pipeline.fetch_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Pipeline.RenderTimeout); err != nil {
		return fmt.Errorf("pipeline.render_timeout: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: EXCERPO_ENV, fallback: GO_ENV)
	if env := os.Getenv("EXCERPO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("EXCERPO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("EXCERPO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Queue configuration; the bare QUEUE_* names are accepted as a fallback
	// spelling for deployments that predate the EXCERPO_ prefix.
	if concurrency := envOr("EXCERPO_QUEUE_CONCURRENCY", "QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if claimTimeout := envOr("EXCERPO_QUEUE_CLAIM_TIMEOUT", "QUEUE_CLAIM_TIMEOUT_SECONDS"); claimTimeout != "" {
		config.Queue.ClaimTimeout = durationOrSeconds(claimTimeout)
	}
	if claimHeartbeat := envOr("EXCERPO_QUEUE_CLAIM_HEARTBEAT", "QUEUE_CLAIM_HEARTBEAT_SECONDS"); claimHeartbeat != "" {
		config.Queue.ClaimHeartbeat = durationOrSeconds(claimHeartbeat)
	}
	if recoveryInterval := envOr("EXCERPO_QUEUE_RECOVERY_INTERVAL", "QUEUE_RECOVERY_INTERVAL_SECONDS"); recoveryInterval != "" {
		config.Queue.RecoveryInterval = durationOrSeconds(recoveryInterval)
	}
	if maxAttempts := envOr("EXCERPO_QUEUE_MAX_ATTEMPTS", "QUEUE_MAX_ATTEMPTS"); maxAttempts != "" {
		if ma, err := strconv.Atoi(maxAttempts); err == nil {
			config.Queue.MaxAttempts = ma
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("EXCERPO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("EXCERPO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("EXCERPO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("EXCERPO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// LLM configuration
	if provider := os.Getenv("EXCERPO_LLM_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = provider
	}
	if apiKey := os.Getenv("EXCERPO_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	} else if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("EXCERPO_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}
	if apiKey := os.Getenv("EXCERPO_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	} else if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if model := os.Getenv("EXCERPO_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}

	// Search configuration
	if mailto := os.Getenv("EXCERPO_CROSSREF_MAILTO"); mailto != "" {
		config.Search.Crossref.MailTo = mailto
	}
	if clientID := os.Getenv("EXCERPO_PUBLISHER_CLIENT_ID"); clientID != "" {
		config.Search.Publisher.ClientID = clientID
	}
	if clientSecret := os.Getenv("EXCERPO_PUBLISHER_CLIENT_SECRET"); clientSecret != "" {
		config.Search.Publisher.ClientSecret = clientSecret
	}

	// Dataset configuration
	if token := os.Getenv("EXCERPO_DATASET_GITHUB_TOKEN"); token != "" {
		config.Datasets.GitHub.Token = token
	} else if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		config.Datasets.GitHub.Token = token
	}

	// Intake configuration
	if password := os.Getenv("EXCERPO_INTAKE_PASSWORD"); password != "" {
		config.Intake.Password = password
	}
}

// ApplyFlagOverrides applies CLI flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// envOr returns the first non-empty value among the named variables.
func envOr(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// ResolveAPIKey returns the first non-empty value among the named environment
// variables, falling back to the config file value. Environment variables take
// priority so keys never have to live on disk.
func ResolveAPIKey(envVar string, configFallback string, extraEnvVars ...string) string {
	if v := envOr(append([]string{envVar}, extraEnvVars...)...); v != "" {
		return v
	}
	return configFallback
}

// durationOrSeconds normalizes an env value to a ParseDuration string. The
// legacy *_SECONDS variables carry bare integers.
func durationOrSeconds(value string) string {
	if _, err := time.ParseDuration(value); err == nil {
		return value
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return (time.Duration(secs) * time.Second).String()
	}
	return value
}
