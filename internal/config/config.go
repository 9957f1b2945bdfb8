// Package config holds the gateway configuration surface.
//
// Config files are json5; env vars overlay file values (secrets are env-only).
// The router re-reads config on every event through Reloader, which caches by
// file mtime so the hot path stays cheap.
package config

import (
	"fmt"
	"time"
)

// Session routing modes.
const (
	ModeMention = "mention"
	ModeActive  = "active"
)

// Config is the root configuration.
type Config struct {
	Surface SurfaceConfig `json:"surface"`
	Models  ModelsConfig  `json:"models"`
	Entity  EntityConfig  `json:"entity,omitempty"`
	Bus     BusConfig     `json:"bus,omitempty"`
	Store   StoreConfig   `json:"store,omitempty"`
	Agent   AgentConfig   `json:"agent,omitempty"`
}

// SurfaceConfig groups per-surface and router settings.
type SurfaceConfig struct {
	Discord DiscordConfig `json:"discord"`
	Router  RouterConfig  `json:"router"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token                string   `json:"-"` // env COURIER_DISCORD_TOKEN only
	BotName              string   `json:"botName,omitempty"`
	AllowedChannelIDs    []string `json:"allowedChannelIds,omitempty"`
	MentionNotifications bool     `json:"mentionNotifications,omitempty"`
}

// ChannelAllowed reports whether a channel may be routed at all.
// An empty allow-list allows everything.
func (d DiscordConfig) ChannelAllowed(channelID string) bool {
	if len(d.AllowedChannelIDs) == 0 {
		return true
	}
	for _, id := range d.AllowedChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// SessionModeConfig is a per-session override of routing behaviour.
type SessionModeConfig struct {
	Mode              string   `json:"mode,omitempty"` // "mention" | "active"
	Gate              *bool    `json:"gate,omitempty"`
	Model             string   `json:"model,omitempty"`
	AdditionalPrompts []string `json:"additionalPrompts,omitempty"`
}

// GateConfig configures the LLM-backed routing gate.
type GateConfig struct {
	Enabled   bool `json:"enabled"`
	TimeoutMs int  `json:"timeoutMs,omitempty"`
}

// Timeout returns the gate timeout as a duration.
func (g GateConfig) Timeout() time.Duration {
	if g.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

// RouterConfig configures request routing.
type RouterConfig struct {
	DefaultMode      string                       `json:"defaultMode,omitempty"` // "mention" (default) | "active"
	SessionModes     map[string]SessionModeConfig `json:"sessionModes,omitempty"`
	ActiveDebounceMs int                          `json:"activeDebounceMs,omitempty"`
	ActiveGate       GateConfig                   `json:"activeGate,omitempty"`
}

// ActiveDebounce returns the debounce window for active-mode channels.
func (r RouterConfig) ActiveDebounce() time.Duration {
	if r.ActiveDebounceMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(r.ActiveDebounceMs) * time.Millisecond
}

// SessionMode resolves the routing mode for a session, falling back to the
// parent channel (threads) and then the default mode.
func (c *Config) SessionMode(sessionID, parentSessionID string) string {
	if sm, ok := c.Surface.Router.SessionModes[sessionID]; ok && sm.Mode != "" {
		return sm.Mode
	}
	if parentSessionID != "" {
		if sm, ok := c.Surface.Router.SessionModes[parentSessionID]; ok && sm.Mode != "" {
			return sm.Mode
		}
	}
	if c.Surface.Router.DefaultMode != "" {
		return c.Surface.Router.DefaultMode
	}
	return ModeMention
}

// SessionGateEnabled resolves whether the gate applies to a session.
// Per-session override wins; otherwise the global activeGate toggle.
func (c *Config) SessionGateEnabled(sessionID, parentSessionID string) bool {
	if sm, ok := c.Surface.Router.SessionModes[sessionID]; ok && sm.Gate != nil {
		return *sm.Gate
	}
	if parentSessionID != "" {
		if sm, ok := c.Surface.Router.SessionModes[parentSessionID]; ok && sm.Gate != nil {
			return *sm.Gate
		}
	}
	return c.Surface.Router.ActiveGate.Enabled
}

// SessionModel resolves the static per-session model override, if any.
func (c *Config) SessionModel(sessionID, parentSessionID string) string {
	if sm, ok := c.Surface.Router.SessionModes[sessionID]; ok && sm.Model != "" {
		return sm.Model
	}
	if parentSessionID != "" {
		if sm, ok := c.Surface.Router.SessionModes[parentSessionID]; ok && sm.Model != "" {
			return sm.Model
		}
	}
	return ""
}

// SessionAdditionalPrompts resolves extra system-prompt lines for a session.
// Session and parent-channel entries both apply, session first.
func (c *Config) SessionAdditionalPrompts(sessionID, parentSessionID string) []string {
	var out []string
	if sm, ok := c.Surface.Router.SessionModes[sessionID]; ok {
		out = append(out, sm.AdditionalPrompts...)
	}
	if parentSessionID != "" {
		if sm, ok := c.Surface.Router.SessionModes[parentSessionID]; ok {
			out = append(out, sm.AdditionalPrompts...)
		}
	}
	return out
}

// ModelSlot configures one model slot ("main", "fast").
type ModelSlot struct {
	Model   string         `json:"model"` // "provider/modelId"
	Options map[string]any `json:"options,omitempty"`
}

// ModelsConfig configures the model slots.
type ModelsConfig struct {
	Main ModelSlot `json:"main"`
	Fast ModelSlot `json:"fast"`
}

// EntityUser maps a human alias onto platform identities.
type EntityUser struct {
	Discord string `json:"discord,omitempty"`
}

// EntityConfig holds alias → identity mappings.
type EntityConfig struct {
	Users map[string]EntityUser `json:"users,omitempty"`
}

// AliasFor returns the configured alias for a platform user ID.
func (e EntityConfig) AliasFor(platform, userID string) string {
	if platform != "discord" {
		return ""
	}
	for alias, u := range e.Users {
		if u.Discord == userID {
			return alias
		}
	}
	return ""
}

// BusConfig selects the bus driver.
type BusConfig struct {
	Driver string     `json:"driver,omitempty"` // "memory" (default) | "nats"
	NATS   NATSConfig `json:"nats,omitempty"`
}

// NATSConfig configures the NATS driver.
type NATSConfig struct {
	URL      string `json:"url,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// StoreConfig selects the transcript store backend.
type StoreConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) | "postgres"
	Path        string `json:"path,omitempty"`   // sqlite file path
	PostgresDSN string `json:"-"`                // env COURIER_POSTGRES_DSN only
}

// AgentConfig holds turn-engine knobs.
type AgentConfig struct {
	SystemPrompt                string  `json:"systemPrompt,omitempty"`
	MaxTokens                   int     `json:"maxTokens,omitempty"`
	Temperature                 float64 `json:"temperature,omitempty"`
	CompactionThresholdFraction float64 `json:"compactionThresholdFraction,omitempty"` // default 0.8
	OverflowRecoveryMaxAttempts int     `json:"overflowRecoveryMaxAttempts,omitempty"` // default 2
	RelayIdleTimeoutMs          int     `json:"relayIdleTimeoutMs,omitempty"`          // default 1h
}

// RelayIdleTimeout returns the output-relay watchdog timeout.
func (a AgentConfig) RelayIdleTimeout() time.Duration {
	if a.RelayIdleTimeoutMs <= 0 {
		return time.Hour
	}
	return time.Duration(a.RelayIdleTimeoutMs) * time.Millisecond
}

// Validate rejects impossible configurations early.
func (c *Config) Validate() error {
	switch c.Surface.Router.DefaultMode {
	case "", ModeMention, ModeActive:
	default:
		return fmt.Errorf("surface.router.defaultMode: unknown mode %q", c.Surface.Router.DefaultMode)
	}
	for id, sm := range c.Surface.Router.SessionModes {
		switch sm.Mode {
		case "", ModeMention, ModeActive:
		default:
			return fmt.Errorf("surface.router.sessionModes[%s]: unknown mode %q", id, sm.Mode)
		}
	}
	switch c.Bus.Driver {
	case "", "memory", "nats":
	default:
		return fmt.Errorf("bus.driver: unknown driver %q", c.Bus.Driver)
	}
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	return nil
}
