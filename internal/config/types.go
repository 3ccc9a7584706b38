package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Poll    PollConfig    `json:"poll"`
	Secrets SecretsConfig `json:"secrets"`

	// Storage controls the persistence layer. If omitted, state lives in
	// memory and notifications repeat across restarts.
	Storage *StorageConfig `json:"storage,omitempty"`

	Notify   NotifyConfig    `json:"notify"`
	Accounts []AccountConfig `json:"accounts"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PollConfig controls the shared poll clock and the retry policy.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type PollConfig struct {
	// Interval between poll rounds. Default: "5m".
	Interval string `json:"interval"`
	// Schedule is an optional cron expression (standard five-field spec)
	// that replaces the interval clock.
	Schedule string `json:"schedule,omitempty"`
	// Timeout is the watchdog ceiling for one backend operation. Default: "60s".
	Timeout string `json:"timeout,omitempty"`

	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffCap  string `json:"backoff_cap,omitempty"`

	// DegradedAfter is the consecutive-failure count reported as a
	// degraded-account warning. Default: 3.
	DegradedAfter int `json:"degraded_after,omitempty"`
}

// SecretsConfig selects where the master encryption key lives.
//
// backend "keychain" uses the OS keychain. backend "plain" keeps the key in a
// file and requires accept_plain_secrets_insecure = true as explicit consent.
type SecretsConfig struct {
	Backend                    string `json:"backend"`
	Dir                        string `json:"dir,omitempty"` // plain backend key directory
	AcceptPlainSecretsInsecure bool   `json:"accept_plain_secrets_insecure,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifyConfig controls the delivery pipeline and its sinks.
type NotifyConfig struct {
	QueueSize       int    `json:"queue_size,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`

	Stdout   bool            `json:"stdout"`
	Ntfy     []NtfyConfig    `json:"ntfy,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type NtfyConfig struct {
	Name       string `json:"name,omitempty"`
	URL        string `json:"url"`
	Token      string `json:"token,omitempty"` // do not log
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type AccountConfig struct {
	Email   string `json:"email"`
	Backend string `json:"backend"`
	// Settings is backend-specific and passed through opaquely.
	Settings json.RawMessage `json:"settings,omitempty"`

	// Password and SecondFactor let a headless deployment answer the
	// credential request itself. Once a session is sealed and stored they
	// can be removed from the file. Never logged.
	Password     string `json:"password,omitempty"`
	SecondFactor string `json:"second_factor,omitempty"`
}

// Validate checks the parts of the config that can be judged without knowing
// which backends are registered.
func (c *Config) Validate() error {
	switch strings.TrimSpace(c.Secrets.Backend) {
	case "", "keychain", "plain":
	default:
		return fmt.Errorf("secrets.backend: unknown backend %q", c.Secrets.Backend)
	}
	if _, err := ParseDurationField("poll.interval", c.Poll.Interval); err != nil {
		return err
	}
	if _, err := ParseDurationField("poll.timeout", c.Poll.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("poll.backoff_base", c.Poll.BackoffBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("poll.backoff_cap", c.Poll.BackoffCap); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("notify.delivery_timeout", c.Notify.DeliveryTimeout); err != nil {
		return err
	}
	for i, n := range c.Notify.Ntfy {
		if strings.TrimSpace(n.URL) == "" {
			return fmt.Errorf("notify.ntfy[%d]: url is required", i)
		}
	}
	if t := c.Notify.Telegram; t != nil {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("notify.telegram: token is required")
		}
		if t.ChatID == 0 {
			return fmt.Errorf("notify.telegram: chat_id is required")
		}
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		if strings.TrimSpace(a.Email) == "" {
			return fmt.Errorf("accounts[%d]: email is required", i)
		}
		if strings.TrimSpace(a.Backend) == "" {
			return fmt.Errorf("accounts[%d] (%s): backend is required", i, a.Email)
		}
		if _, dup := seen[a.Email]; dup {
			return fmt.Errorf("accounts[%d]: %s configured twice", i, a.Email)
		}
		seen[a.Email] = struct{}{}
	}
	return nil
}
