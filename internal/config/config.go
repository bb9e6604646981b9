package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/commsync/commsync/internal/model"
)

// Defaults for sync timing. Overridable per profile in config.toml.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultActivityGuard  = 5 * time.Second
	DefaultRefreshCeiling = 25 * time.Second
	DefaultRecheckDelay   = 5 * time.Second
)

// Config represents ~/.commsync/config.toml.
type Config struct {
	DefaultProfile string    `toml:"default_profile"`
	API            APIConfig `toml:"api"`
	Sync           Sync      `toml:"sync"`
	Accounts       []Account `toml:"accounts"`
}

// APIConfig points the engine at the message store and push channel.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
	PushURL string `toml:"push_url"`
	Token   string `toml:"token"`
	ActorID string `toml:"actor_id"`
}

// Sync holds the scheduler and reconciler tuning knobs. Durations are
// TOML strings like "30s".
type Sync struct {
	PollInterval   duration `toml:"poll_interval"`
	ActivityGuard  duration `toml:"activity_guard"`
	RefreshCeiling duration `toml:"refresh_ceiling"`
	RecheckDelay   duration `toml:"recheck_delay"`
	EchoTolerance  duration `toml:"echo_tolerance"`
}

// Account is a configured channel identity to keep in sync.
type Account struct {
	ID      string `toml:"id"`
	Label   string `toml:"label"`
	Channel string `toml:"channel"`
	Default bool   `toml:"default"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a config with engine defaults and no accounts.
func Default() *Config {
	var cfg Config
	cfg.DefaultProfile = "default"
	cfg.applyDefaults()
	return &cfg
}

// Load reads config from the given path. Returns zero config and error
// if the file is missing or invalid.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.Sync.PollInterval.Duration == 0 {
		c.Sync.PollInterval.Duration = DefaultPollInterval
	}
	if c.Sync.ActivityGuard.Duration == 0 {
		c.Sync.ActivityGuard.Duration = DefaultActivityGuard
	}
	if c.Sync.RefreshCeiling.Duration == 0 {
		c.Sync.RefreshCeiling.Duration = DefaultRefreshCeiling
	}
	if c.Sync.RecheckDelay.Duration == 0 {
		c.Sync.RecheckDelay.Duration = DefaultRecheckDelay
	}
}

func (c *Config) validate() error {
	for i, acc := range c.Accounts {
		switch model.Channel(acc.Channel) {
		case model.ChannelEmail, model.ChannelSMS:
		default:
			return fmt.Errorf("accounts[%d]: unknown channel %q", i, acc.Channel)
		}
		if acc.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
	}
	return nil
}

// PollInterval returns the effective poll interval.
func (c *Config) PollInterval() time.Duration { return c.Sync.PollInterval.Duration }

// ActivityGuard returns the effective user-activity guard window.
func (c *Config) ActivityGuard() time.Duration { return c.Sync.ActivityGuard.Duration }

// RefreshCeiling returns the effective refresh timeout ceiling.
func (c *Config) RefreshCeiling() time.Duration { return c.Sync.RefreshCeiling.Duration }

// RecheckDelay returns the deferred re-check delay after a ceiling hit.
func (c *Config) RecheckDelay() time.Duration { return c.Sync.RecheckDelay.Duration }

// EchoTolerance returns the optimistic echo-match window, zero meaning
// "use the reconciler default".
func (c *Config) EchoTolerance() time.Duration { return c.Sync.EchoTolerance.Duration }

// ModelAccounts converts configured accounts to engine accounts.
func (c *Config) ModelAccounts() []model.Account {
	out := make([]model.Account, 0, len(c.Accounts))
	for _, acc := range c.Accounts {
		out = append(out, model.Account{
			ID:      acc.ID,
			Label:   acc.Label,
			Channel: model.Channel(acc.Channel),
			Default: acc.Default,
			Health:  model.HealthActive,
		})
	}
	return out
}
