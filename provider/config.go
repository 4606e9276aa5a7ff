package provider

import (
	"context"
	"time"
)

// Config holds a provider's credentials and checkout URLs. There is one
// row per provider name, written with a keyed upsert so a config is always
// present once saved.
type Config struct {
	Provider      string    `json:"provider"`
	SecretKey     string    `json:"-"`
	WebhookSecret string    `json:"-"`
	Currency      string    `json:"currency"`
	SuccessURL    string    `json:"success_url"`
	CancelURL     string    `json:"cancel_url"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Configured reports whether the credentials needed for checkout are set.
func (c *Config) Configured() bool {
	return c != nil && c.SecretKey != "" && c.SuccessURL != "" && c.CancelURL != ""
}

type ConfigStore interface {
	SaveProviderConfig(ctx context.Context, cfg *Config) error
	GetProviderConfig(ctx context.Context, name string) (*Config, error)
}
