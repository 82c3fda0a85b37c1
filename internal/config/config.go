// Package config loads mailwatch.toml for both the watcher and the responder.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/spf13/viper"

	"github.com/sekia-ai/mailwatch/internal/ai"
	"github.com/sekia-ai/mailwatch/internal/secrets"
)

// Config is the top-level configuration shared by all mailwatch binaries.
type Config struct {
	NATS       NATSConfig       `mapstructure:"nats"`
	Google     GoogleConfig     `mapstructure:"google"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Watch      WatchConfig      `mapstructure:"watch"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Responder  ResponderConfig  `mapstructure:"responder"`
	AI         ai.Config        `mapstructure:"ai"`
	Security   SecurityConfig   `mapstructure:"security"`

	identities []age.Identity
}

// Identities returns the age identities resolved while loading, or nil.
// They decrypt the credentials file when it is stored encrypted.
func (c Config) Identities() []age.Identity { return c.identities }

// NATSConfig holds NATS connection settings. With Embedded set, the watcher
// starts an in-process server instead of dialing URL.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Token    string `mapstructure:"token"`
	Embedded bool   `mapstructure:"embedded"`
	DataDir  string `mapstructure:"data_dir"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
}

// GoogleConfig points at the service account key used for domain-wide
// delegation. The file may be age-encrypted.
type GoogleConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	ProjectID       string `mapstructure:"project_id"`
}

// GmailConfig holds mailbox access settings.
type GmailConfig struct {
	Users       []string      `mapstructure:"users"`
	Topic       string        `mapstructure:"topic"`
	LabelIDs    []string      `mapstructure:"label_ids"`
	PageSize    int64         `mapstructure:"page_size"`
	QPS         float64       `mapstructure:"qps"`
	Burst       int           `mapstructure:"burst"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// ReconcileConfig tunes the history reconciler.
type ReconcileConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinBackoff  time.Duration `mapstructure:"min_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
}

// CheckpointConfig selects the checkpoint backend: "sqlite" or "nats".
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Bucket  string `mapstructure:"bucket"`
}

// PublishConfig holds JetStream publishing settings.
type PublishConfig struct {
	Stream          string        `mapstructure:"stream"`
	Subject         string        `mapstructure:"subject"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// WatchConfig holds Gmail push subscription renewal settings.
type WatchConfig struct {
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	RenewMargin   time.Duration `mapstructure:"renew_margin"`
}

// HTTPConfig holds the push endpoint settings.
type HTTPConfig struct {
	Listen    string `mapstructure:"listen"`
	PushPath  string `mapstructure:"push_path"`
	PushToken string `mapstructure:"push_token"`
}

// ResponderConfig holds the downstream responder settings.
type ResponderConfig struct {
	Durable    string        `mapstructure:"durable"`
	MaxDeliver int           `mapstructure:"max_deliver"`
	AckWait    time.Duration `mapstructure:"ack_wait"`
	NakDelay   time.Duration `mapstructure:"nak_delay"`
	DBPath     string        `mapstructure:"db_path"`
	Signature  string        `mapstructure:"signature"`
}

// SecurityConfig holds application-level security settings.
type SecurityConfig struct {
	EventSecret string `mapstructure:"event_secret"`
}

// LoadConfig reads configuration from file, env vars, and defaults.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "mailwatch")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.data_dir", filepath.Join(dataDir, "nats"))

	v.SetDefault("gmail.label_ids", []string{"INBOX"})
	v.SetDefault("gmail.page_size", 100)
	v.SetDefault("gmail.qps", 5.0)
	v.SetDefault("gmail.burst", 10)
	v.SetDefault("gmail.call_timeout", 30*time.Second)

	v.SetDefault("reconcile.concurrency", 1)
	v.SetDefault("reconcile.max_attempts", 3)
	v.SetDefault("reconcile.min_backoff", 4*time.Second)
	v.SetDefault("reconcile.max_backoff", 10*time.Second)
	v.SetDefault("reconcile.run_timeout", 5*time.Minute)

	v.SetDefault("checkpoint.backend", "sqlite")
	v.SetDefault("checkpoint.path", filepath.Join(dataDir, "checkpoints.db"))
	v.SetDefault("checkpoint.bucket", "MAILWATCH_CHECKPOINTS")

	v.SetDefault("publish.stream", "MAILWATCH_MESSAGES")
	v.SetDefault("publish.subject", "mailwatch.messages.received")
	v.SetDefault("publish.duplicate_window", 10*time.Minute)
	v.SetDefault("publish.max_age", 7*24*time.Hour)
	v.SetDefault("publish.timeout", 10*time.Second)

	v.SetDefault("watch.renew_interval", 24*time.Hour)
	v.SetDefault("watch.renew_margin", 24*time.Hour)

	v.SetDefault("http.listen", "127.0.0.1:8080")
	v.SetDefault("http.push_path", "/pubsub/push")

	v.SetDefault("responder.durable", "mailwatch-responder")
	v.SetDefault("responder.max_deliver", 5)
	v.SetDefault("responder.ack_wait", 2*time.Minute)
	v.SetDefault("responder.nak_delay", 30*time.Second)
	v.SetDefault("responder.db_path", filepath.Join(dataDir, "responder.db"))

	v.SetDefault("ai.provider", "anthropic")
	v.SetDefault("ai.model", "claude-sonnet-4-20250514")
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("ai.temperature", 0.2)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("mailwatch")
		v.AddConfigPath("/etc/mailwatch")
		v.AddConfigPath("$HOME/.config/mailwatch")
		v.AddConfigPath(".")
	}

	v.BindEnv("nats.url", "MAILWATCH_NATS_URL")
	v.BindEnv("nats.token", "MAILWATCH_NATS_TOKEN")
	v.BindEnv("google.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("google.project_id", "GOOGLE_CLOUD_PROJECT")
	v.BindEnv("http.push_token", "MAILWATCH_PUSH_TOKEN")
	v.BindEnv("ai.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("security.event_secret", "MAILWATCH_EVENT_SECRET")

	if err := v.ReadInConfig(); err != nil {
		// The file is optional unless named explicitly.
		if cfgFile != "" {
			return Config{}, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	// Decrypt any ENC[...] values in config.
	identities, err := secrets.ResolveIdentity(v)
	if err != nil {
		return Config{}, fmt.Errorf("resolve encryption identity: %w", err)
	}
	if identities != nil {
		if err := secrets.DecryptViperConfig(v, identities); err != nil {
			return Config{}, fmt.Errorf("decrypt config: %w", err)
		}
	} else if secrets.HasEncryptedValues(v) {
		return Config{}, fmt.Errorf("config contains encrypted values but no age identity is configured; set MAILWATCH_AGE_KEY, MAILWATCH_AGE_KEY_FILE, or secrets.identity")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.Gmail.Topic = TopicName(cfg.Google.ProjectID, cfg.Gmail.Topic)
	cfg.identities = identities

	return cfg, nil
}

// TopicName expands a short Pub/Sub topic name to its full resource name.
func TopicName(projectID, topic string) string {
	if topic == "" || strings.HasPrefix(topic, "projects/") || projectID == "" {
		return topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topic)
}

// ValidateForWatcher checks that the config is valid for the watcher.
func ValidateForWatcher(cfg Config) error {
	if err := validateCommon(cfg); err != nil {
		return err
	}
	if len(cfg.Gmail.Users) == 0 {
		return fmt.Errorf("gmail.users must list at least one mailbox")
	}
	if cfg.Gmail.Topic == "" {
		return fmt.Errorf("gmail.topic is required")
	}
	if !strings.HasPrefix(cfg.Gmail.Topic, "projects/") {
		return fmt.Errorf("gmail.topic %q must be a full resource name or google.project_id must be set", cfg.Gmail.Topic)
	}
	switch cfg.Checkpoint.Backend {
	case "sqlite", "nats":
	default:
		return fmt.Errorf("checkpoint.backend must be \"sqlite\" or \"nats\", got %q", cfg.Checkpoint.Backend)
	}
	if cfg.Reconcile.MaxAttempts < 1 {
		return fmt.Errorf("reconcile.max_attempts must be at least 1")
	}
	if cfg.Reconcile.Concurrency < 1 {
		return fmt.Errorf("reconcile.concurrency must be at least 1")
	}
	return nil
}

// ValidateForResponder checks that the config is valid for the responder.
func ValidateForResponder(cfg Config) error {
	if err := validateCommon(cfg); err != nil {
		return err
	}
	if cfg.AI.APIKey == "" {
		return fmt.Errorf("ai.api_key is required (set via config file or ANTHROPIC_API_KEY env var)")
	}
	if cfg.Responder.MaxDeliver < 1 {
		return fmt.Errorf("responder.max_deliver must be at least 1")
	}
	return nil
}

func validateCommon(cfg Config) error {
	if cfg.Google.CredentialsFile == "" {
		return fmt.Errorf("google.credentials_file is required (set via config file or GOOGLE_APPLICATION_CREDENTIALS env var)")
	}
	if !cfg.NATS.Embedded && cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is required unless nats.embedded is true")
	}
	return nil
}
