package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/courier/internal/bus"
	"github.com/nextlevelbuilder/courier/internal/channels/discord"
	"github.com/nextlevelbuilder/courier/internal/config"
	"github.com/nextlevelbuilder/courier/internal/providers"
	"github.com/nextlevelbuilder/courier/internal/relay"
	"github.com/nextlevelbuilder/courier/internal/router"
	"github.com/nextlevelbuilder/courier/internal/runner"
	"github.com/nextlevelbuilder/courier/internal/store"
	"github.com/nextlevelbuilder/courier/internal/tools"
)

// runGateway wires the bus, store, providers, surface, and the three bus
// services, then blocks on the Discord connection until shutdown.
func runGateway(ctx context.Context) error {
	setupLogging()

	reloader, err := config.NewReloader(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer reloader.Close()
	if err := reloader.Watch(); err != nil {
		slog.Warn("config watch unavailable, falling back to mtime polling", "error", err)
	}
	cfg := reloader.Current()

	b, err := buildBus(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		SQLitePath:  cfg.Store.Path,
		PostgresDSN: cfg.Store.PostgresDSN,
	})
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer st.Close()

	registry, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	toolReg := tools.NewRegistry()
	toolReg.Register(tools.CurrentTime())

	surface, err := discord.New(cfg.Surface.Discord, b)
	if err != nil {
		return fmt.Errorf("create discord surface: %w", err)
	}

	run := runner.New(runner.Config{
		Bus:       b,
		Store:     st,
		Providers: registry,
		Tools:     toolReg,
		Reloader:  reloader,
	})
	rtr := router.New(router.Config{
		Bus:              b,
		Surface:          surface,
		Reloader:         reloader,
		Providers:        registry,
		ExpandBotMessage: run.ExpandBotMessage,
	})
	rly := relay.New(relay.Config{
		Bus:      b,
		Surface:  surface,
		Reloader: reloader,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	if err := rtr.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := rly.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	slog.Info("gateway starting", "version", Version, "bus", cfg.Bus.Driver, "store", cfg.Store.Driver)
	if err := surface.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("discord surface: %w", err)
	}
	slog.Info("gateway stopped")
	return nil
}

func buildBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "", "memory":
		return bus.NewMemoryBus(), nil
	case "nats":
		nb, err := bus.NewNATSBus(bus.NATSConfig{
			URL:      cfg.Bus.NATS.URL,
			ClientID: cfg.Bus.NATS.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return nb, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

func buildProviders(cfg *config.Config) (*providers.Registry, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}

	registry := providers.NewRegistry()
	registry.Register(providers.NewAnthropicProvider(apiKey))

	if err := registry.SetSlot("main", cfg.Models.Main.Model); err != nil {
		return nil, fmt.Errorf("main model slot: %w", err)
	}
	if err := registry.SetSlot("fast", cfg.Models.Fast.Model); err != nil {
		return nil, fmt.Errorf("fast model slot: %w", err)
	}
	return registry, nil
}
