package core

import (
	"fmt"
	"strings"
	"time"
)

// VendorConfig tunes credential vending. Durations are carried as integer
// counts so the config layer stays flat.
type VendorConfig struct {
	LockSeconds        int `koanf:"lock_seconds" mapstructure:"lock_seconds"`
	KeyLifetimeSeconds int `koanf:"key_lifetime_seconds" mapstructure:"key_lifetime_seconds"`
	PollIntervalMs     int `koanf:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ReclaimAttempts    int `koanf:"reclaim_attempts" mapstructure:"reclaim_attempts"`
	KeyCacheSeconds    int `koanf:"key_cache_seconds" mapstructure:"key_cache_seconds"`
	TokenMarginSeconds int `koanf:"token_margin_seconds" mapstructure:"token_margin_seconds"`
	NonceMaxAgeSeconds int `koanf:"nonce_max_age_seconds" mapstructure:"nonce_max_age_seconds"`
}

func (c VendorConfig) LockDuration() time.Duration {
	return time.Duration(c.LockSeconds) * time.Second
}

func (c VendorConfig) KeyLifetime() time.Duration {
	return time.Duration(c.KeyLifetimeSeconds) * time.Second
}

func (c VendorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c VendorConfig) KeyCacheTTL() time.Duration {
	return time.Duration(c.KeyCacheSeconds) * time.Second
}

func (c VendorConfig) TokenMargin() time.Duration {
	return time.Duration(c.TokenMarginSeconds) * time.Second
}

func (c VendorConfig) NonceMaxAge() time.Duration {
	return time.Duration(c.NonceMaxAgeSeconds) * time.Second
}

// ProviderConfig declares one upstream provider endpoint set.
type ProviderConfig struct {
	ID              string       `koanf:"id" mapstructure:"id"`
	ClientID        string       `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret    string       `koanf:"client_secret" mapstructure:"client_secret"`
	AuthURL         string       `koanf:"auth_url" mapstructure:"auth_url"`
	TokenURL        string       `koanf:"token_url" mapstructure:"token_url"`
	RevokeURL       string       `koanf:"revoke_url" mapstructure:"revoke_url"`
	CredentialsURL  string       `koanf:"credentials_url" mapstructure:"credentials_url"`
	DefaultScopes   []string     `koanf:"default_scopes" mapstructure:"default_scopes"`
	ExtraAuthParams []ExtraParam `koanf:"extra_auth_params" mapstructure:"extra_auth_params"`
}

func (c ProviderConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("core: provider id is required")
	}
	return nil
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Vendor      VendorConfig     `koanf:"vendor" mapstructure:"vendor"`
	Providers   []ProviderConfig `koanf:"providers" mapstructure:"providers"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "bond",
		Vendor: VendorConfig{
			LockSeconds:        30,
			KeyLifetimeSeconds: int((90 * 24 * time.Hour).Seconds()),
			PollIntervalMs:     1000,
			ReclaimAttempts:    1,
			KeyCacheSeconds:    int((10 * time.Minute).Seconds()),
			TokenMarginSeconds: 60,
			NonceMaxAgeSeconds: int((30 * time.Minute).Seconds()),
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Vendor.LockSeconds < 0 || c.Vendor.KeyLifetimeSeconds < 0 || c.Vendor.PollIntervalMs < 0 {
		return fmt.Errorf("core: vendor durations must not be negative")
	}
	if c.Vendor.ReclaimAttempts < 0 {
		return fmt.Errorf("core: vendor reclaim_attempts must not be negative")
	}
	for _, provider := range c.Providers {
		if err := provider.Validate(); err != nil {
			return err
		}
	}
	return nil
}
