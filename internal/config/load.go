package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Surface: SurfaceConfig{
			Router: RouterConfig{
				DefaultMode:      ModeMention,
				ActiveDebounceMs: 250,
				ActiveGate: GateConfig{
					Enabled:   false,
					TimeoutMs: 10_000,
				},
			},
		},
		Models: ModelsConfig{
			Main: ModelSlot{Model: "anthropic/claude-sonnet-4-5-20250929"},
			Fast: ModelSlot{Model: "anthropic/claude-haiku-4-5-20251001"},
		},
		Bus: BusConfig{
			Driver: "memory",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.courier/transcripts.db",
		},
		Agent: AgentConfig{
			MaxTokens:                   8192,
			Temperature:                 0.7,
			CompactionThresholdFraction: 0.8,
			OverflowRecoveryMaxAttempts: 2,
		},
	}
}

// Load reads config from a json5 file, then overlays env vars.
// A missing file yields defaults plus env overlay.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars. Secrets are env-only and never persisted.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("COURIER_DISCORD_TOKEN", &c.Surface.Discord.Token)
	envStr("COURIER_POSTGRES_DSN", &c.Store.PostgresDSN)
	envStr("COURIER_NATS_URL", &c.Bus.NATS.URL)
	envStr("COURIER_MAIN_MODEL", &c.Models.Main.Model)
	envStr("COURIER_FAST_MODEL", &c.Models.Fast.Model)

	if c.Store.PostgresDSN != "" && c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	if c.Bus.NATS.URL != "" && c.Bus.Driver == "" {
		c.Bus.Driver = "nats"
	}
}
