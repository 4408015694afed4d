package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bibharvest/internal/domain"
)

const (
	configPathEnv      = "BIBHARVEST_CONFIG"
	databasePathEnv    = "BIBHARVEST_DB"
	progressPathEnv    = "BIBHARVEST_PROGRESS"
	attachmentDirEnv   = "BIBHARVEST_ATTACHMENTS"
	sourceBaseURLEnv   = "BIBHARVEST_SOURCE_URL"
	telegramTokenEnv   = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv  = "TELEGRAM_CHAT_ID"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig        `yaml:"logging"`
	Source        SourceConfig         `yaml:"source"`
	Harvest       HarvestConfig        `yaml:"harvest"`
	Storage       StorageConfig        `yaml:"storage"`
	Collections   CollectionsConfig    `yaml:"collections"`
	Notifications NotificationConfig   `yaml:"notifications"`
	Organizations []OrganizationConfig `yaml:"organizations"`
}

// LoggingConfig controls slog handler construction.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SourceConfig describes the remote content platform.
type SourceConfig struct {
	BaseURL        string `yaml:"baseUrl"`
	UserAgent      string `yaml:"userAgent"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	ListingPage    int    `yaml:"listingPageSize"`
}

// Timeout resolves the HTTP client timeout.
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// HarvestConfig groups the tunables of the resilient fetch path.
type HarvestConfig struct {
	MaxRequestsPerWindow    int `yaml:"maxRequestsPerWindow"`
	WindowMs                int `yaml:"windowDurationMs"`
	CircuitFailureThreshold int `yaml:"circuitFailureThreshold"`
	CircuitCooldownMs       int `yaml:"circuitCooldownMs"`
	MaxRetryAttempts        int `yaml:"maxRetryAttempts"`
	BaseRetryDelayMs        int `yaml:"baseRetryDelayMs"`
	RateLimitCooldownMs     int `yaml:"rateLimitCooldownMs"`
	CheckpointEveryNRecords int `yaml:"checkpointEveryNRecords"`
	FetchWorkers            int `yaml:"fetchWorkers"`
	AttachmentWorkers       int `yaml:"attachmentWorkers"`
}

// Window resolves the rolling rate-limit window.
func (h HarvestConfig) Window() time.Duration {
	return time.Duration(h.WindowMs) * time.Millisecond
}

// CircuitCooldown resolves the breaker cooldown.
func (h HarvestConfig) CircuitCooldown() time.Duration {
	return time.Duration(h.CircuitCooldownMs) * time.Millisecond
}

// BaseRetryDelay resolves the first backoff step.
func (h HarvestConfig) BaseRetryDelay() time.Duration {
	return time.Duration(h.BaseRetryDelayMs) * time.Millisecond
}

// RateLimitCooldown resolves the fixed 429 wait.
func (h HarvestConfig) RateLimitCooldown() time.Duration {
	return time.Duration(h.RateLimitCooldownMs) * time.Millisecond
}

// StorageConfig points at the local durable artifacts.
type StorageConfig struct {
	DatabasePath  string `yaml:"databasePath"`
	ProgressPath  string `yaml:"progressPath"`
	AttachmentDir string `yaml:"attachmentDir"`
}

// CollectionsConfig maps raw collection slugs onto member organizations.
// Slugs matching ConsortiumSuffix without an explicit mapping are treated as
// unmatched, never guessed.
type CollectionsConfig struct {
	ConsortiumSuffix string            `yaml:"consortiumSuffix"`
	SlugMap          map[string]string `yaml:"slugMap"`
}

// NotificationConfig encapsulates outbound operator channels.
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// OrganizationConfig describes a single federation member.
type OrganizationConfig struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Aliases    []string `yaml:"aliases"`
	ListingURL string   `yaml:"listingUrl"`
}

// Members converts the configured organizations to domain entities,
// preserving configuration order.
func (c Config) Members() []domain.Organization {
	orgs := make([]domain.Organization, 0, len(c.Organizations))
	for _, o := range c.Organizations {
		orgs = append(orgs, domain.Organization{
			ID:         o.ID,
			Name:       o.Name,
			Aliases:    o.Aliases,
			ListingURL: o.ListingURL,
		})
	}
	return orgs
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	return LoadPath(os.Getenv(configPathEnv))
}

// LoadPath reads the given YAML file and applies environment overrides.
func LoadPath(path string) Config {
	cfg := defaultConfig()

	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databasePathEnv); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv(progressPathEnv); v != "" {
		c.Storage.ProgressPath = v
	}
	if v := os.Getenv(attachmentDirEnv); v != "" {
		c.Storage.AttachmentDir = v
	}
	if v := os.Getenv(sourceBaseURLEnv); v != "" {
		c.Source.BaseURL = v
	}
	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Source.BaseURL != "" {
		base.Source.BaseURL = override.Source.BaseURL
	}
	if override.Source.UserAgent != "" {
		base.Source.UserAgent = override.Source.UserAgent
	}
	if override.Source.TimeoutSeconds > 0 {
		base.Source.TimeoutSeconds = override.Source.TimeoutSeconds
	}
	if override.Source.ListingPage > 0 {
		base.Source.ListingPage = override.Source.ListingPage
	}

	base.Harvest = mergeHarvest(base.Harvest, override.Harvest)

	if override.Storage.DatabasePath != "" {
		base.Storage.DatabasePath = override.Storage.DatabasePath
	}
	if override.Storage.ProgressPath != "" {
		base.Storage.ProgressPath = override.Storage.ProgressPath
	}
	if override.Storage.AttachmentDir != "" {
		base.Storage.AttachmentDir = override.Storage.AttachmentDir
	}

	if override.Collections.ConsortiumSuffix != "" {
		base.Collections.ConsortiumSuffix = override.Collections.ConsortiumSuffix
	}
	if len(override.Collections.SlugMap) > 0 {
		base.Collections.SlugMap = override.Collections.SlugMap
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	if len(override.Organizations) > 0 {
		base.Organizations = override.Organizations
	}

	return base
}

func mergeHarvest(base, override HarvestConfig) HarvestConfig {
	if override.MaxRequestsPerWindow > 0 {
		base.MaxRequestsPerWindow = override.MaxRequestsPerWindow
	}
	if override.WindowMs > 0 {
		base.WindowMs = override.WindowMs
	}
	if override.CircuitFailureThreshold > 0 {
		base.CircuitFailureThreshold = override.CircuitFailureThreshold
	}
	if override.CircuitCooldownMs > 0 {
		base.CircuitCooldownMs = override.CircuitCooldownMs
	}
	if override.MaxRetryAttempts > 0 {
		base.MaxRetryAttempts = override.MaxRetryAttempts
	}
	if override.BaseRetryDelayMs > 0 {
		base.BaseRetryDelayMs = override.BaseRetryDelayMs
	}
	if override.RateLimitCooldownMs > 0 {
		base.RateLimitCooldownMs = override.RateLimitCooldownMs
	}
	if override.CheckpointEveryNRecords > 0 {
		base.CheckpointEveryNRecords = override.CheckpointEveryNRecords
	}
	if override.FetchWorkers > 0 {
		base.FetchWorkers = override.FetchWorkers
	}
	if override.AttachmentWorkers > 0 {
		base.AttachmentWorkers = override.AttachmentWorkers
	}
	return base
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Source: SourceConfig{
			BaseURL:        "https://www.crimrxiv.com",
			UserAgent:      "bibharvest/1.0",
			TimeoutSeconds: 30,
			ListingPage:    100,
		},
		Harvest: HarvestConfig{
			MaxRequestsPerWindow:    30,
			WindowMs:                60_000,
			CircuitFailureThreshold: 5,
			CircuitCooldownMs:       120_000,
			MaxRetryAttempts:        4,
			BaseRetryDelayMs:        500,
			RateLimitCooldownMs:     30_000,
			CheckpointEveryNRecords: 10,
			FetchWorkers:            3,
			AttachmentWorkers:       6,
		},
		Storage: StorageConfig{
			DatabasePath:  "data/bibharvest.db",
			ProgressPath:  "data/progress.json",
			AttachmentDir: "data/attachments",
		},
		Collections: CollectionsConfig{
			ConsortiumSuffix: "1c",
			SlugMap:          map[string]string{},
		},
	}
}
