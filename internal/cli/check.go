package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perfectuser21/grapnel/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	Long: `Check loads and validates the configuration, then prints a summary
of the hooks and schedules it declares. Exits non-zero when the configuration
is invalid.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if path, err := config.ConfigFilePath(cfgFile); err == nil {
		fmt.Printf("Config file: %s\n", path)
	} else {
		fmt.Println("Config file: none (defaults only)")
	}
	fmt.Println()

	fmt.Printf("Hooks (%d):\n", len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		def := h.ToHook()
		def.Normalize()
		fmt.Printf("  %-24s priority=%-4d timeout=%-8s retries=%d", def.Name, def.Priority, def.Timeout, def.MaxRetries)
		if def.CacheTTL > 0 {
			fmt.Printf(" cache=%s", def.CacheTTL)
		}
		if def.Fallback != "" {
			fmt.Print(" fallback=yes")
		}
		if def.When != "" {
			fmt.Print(" conditional")
		}
		fmt.Println()
	}

	if len(cfg.Schedules) > 0 {
		fmt.Printf("\nSchedules (%d):\n", len(cfg.Schedules))
		for _, s := range cfg.Schedules {
			state := ""
			if s.Disabled {
				state = "  (disabled)"
			}
			fmt.Printf("  %-24s %-16q hooks: %v%s\n", s.Name, s.Cron, s.Hooks, state)
		}
	}

	if len(cfg.Webhooks) > 0 {
		fmt.Printf("\nWebhooks (%d):\n", len(cfg.Webhooks))
		for _, w := range cfg.Webhooks {
			signed := "signed"
			if w.Secret == "" {
				signed = "unsigned"
			}
			fmt.Printf("  %-24s %-10s hooks: %v\n", w.Name, signed, w.Hooks)
		}
	}

	fmt.Printf("\nServer:  enabled=%v address=%s auth=%v\n", cfg.Server.Enabled, cfg.Server.Address(), cfg.Server.Auth.Secret != "")
	fmt.Printf("History: enabled=%v path=%s retention=%s\n", cfg.History.Enabled, cfg.History.Path, cfg.History.Retention)
	if cfg.Archive.Enabled {
		fmt.Printf("Archive: backend=%s compression=%s\n", cfg.Archive.Backend, cfg.Archive.Compression)
	}

	fmt.Println()
	color.New(color.FgHiGreen).Println("Configuration OK")
	return nil
}
