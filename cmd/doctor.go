package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/courier/internal/config"
	"github.com/nextlevelbuilder/courier/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config and environment before running the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor()
	},
}

// runDoctor prints one pass/fail line per preflight check and errors if any
// check fails.
func runDoctor() error {
	failures := 0
	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("  ✗ %s: %v\n", name, err)
			return
		}
		fmt.Printf("  ✓ %s\n", name)
	}

	path := resolveConfigPath()
	fmt.Printf("courier doctor (config: %s)\n", path)

	cfg, err := config.Load(path)
	check("config parses", err)
	if err != nil {
		return fmt.Errorf("%d check(s) failed", failures)
	}

	check("discord token", requireEnvOrValue(cfg.Surface.Discord.Token, "COURIER_DISCORD_TOKEN"))
	check("anthropic api key", requireEnvOrValue(os.Getenv("ANTHROPIC_API_KEY"), "ANTHROPIC_API_KEY"))

	check("transcript store", func() error {
		st, err := store.Open(store.Config{
			Driver:      cfg.Store.Driver,
			SQLitePath:  cfg.Store.Path,
			PostgresDSN: cfg.Store.PostgresDSN,
		})
		if err != nil {
			return err
		}
		return st.Close()
	}())

	check("model slots", func() error {
		if cfg.Models.Main.Model == "" {
			return fmt.Errorf("models.main.model is empty")
		}
		if cfg.Models.Fast.Model == "" {
			return fmt.Errorf("models.fast.model is empty")
		}
		return nil
	}())

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Println("all checks passed")
	return nil
}

func requireEnvOrValue(value, env string) error {
	if value == "" {
		return fmt.Errorf("set %s", env)
	}
	return nil
}
