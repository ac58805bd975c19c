package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perfectuser21/grapnel/internal/hooks"
)

var (
	runContext     []string
	runContextJSON string
	runJSON        bool
	runShowOutput  bool
)

var runCmd = &cobra.Command{
	Use:   "run [selector...]",
	Short: "Execute hooks once and exit",
	Long: `Run executes the selected hooks against the configured engine and
prints their results. Selectors are hook names or glob patterns matched
against the registered hooks; with no selector every hook runs.

Context values are passed to hooks on stdin and in the GRAPNEL_CONTEXT
environment variable:

  grapnel run notify-* --context env=prod --context version=1.4.2
  grapnel run deploy-docs --context-json '{"regions": ["eu", "us"]}'`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runContext, "context", nil, "context value as key=value (repeatable)")
	runCmd.Flags().StringVar(&runContextJSON, "context-json", "", "context values as a JSON object")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print results as JSON")
	runCmd.Flags().BoolVar(&runShowOutput, "show-output", false, "print captured hook output")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	execCtx, err := buildContext(runContext, runContextJSON)
	if err != nil {
		return err
	}

	registry, err := hooks.NewRegistry(cfg.HookDefinitions())
	if err != nil {
		return fmt.Errorf("registering hooks: %w", err)
	}

	selectors := args
	if len(selectors) == 0 {
		selectors = []string{"*"}
	}
	names, err := registry.Match(selectors)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no hooks match %s", strings.Join(selectors, ", "))
	}

	engine, err := hooks.NewEngine(registry, hooks.Options{
		Workers:        cfg.Engine.Workers,
		ShutdownGrace:  cfg.Engine.ShutdownGrace,
		RetryBaseDelay: cfg.Engine.RetryBaseDelay,
		CacheCapacity:  cfg.Engine.CacheCapacity,
		MonitorWindow:  cfg.Engine.MonitorWindow,
		Runner: &hooks.ShellRunner{
			Shell:          cfg.Runner.Shell,
			KillGrace:      cfg.Runner.KillGrace,
			MaxOutputBytes: cfg.Runner.MaxOutputBytes,
		},
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	results, err := engine.Execute(cmd.Context(), hooks.Batch{
		Hooks:   names,
		Context: execCtx,
		Source:  "cli",
	})
	if err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
	defer cancel()
	_ = engine.Shutdown(shutdownCtx)

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("encoding results: %w", err)
		}
	} else {
		printResults(results)
	}

	failed := 0
	for _, res := range results {
		if !res.Success && !res.Skipped {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d hooks failed", failed, len(results))
	}
	return nil
}

// buildContext merges key=value pairs over the JSON object, so repeated
// --context flags can override individual keys.
func buildContext(pairs []string, rawJSON string) (map[string]any, error) {
	execCtx := make(map[string]any)
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &execCtx); err != nil {
			return nil, fmt.Errorf("parsing --context-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --context value %q, expected key=value", pair)
		}
		execCtx[key] = value
	}
	if len(execCtx) == 0 {
		return nil, nil
	}
	return execCtx, nil
}

func printResults(results []hooks.Result) {
	for _, res := range results {
		status := res.Status()
		fmt.Printf("%s  %-24s  %s", statusColor(status).Sprintf("%-12s", status), res.HookName, res.Duration.Round(time.Millisecond))
		if res.Retries > 0 {
			fmt.Printf("  (retries: %d)", res.Retries)
		}
		fmt.Println()

		if res.Error != "" {
			fmt.Printf("              %s\n", color.New(color.FgRed).Sprint(res.Error))
		}
		if runShowOutput && res.Output != "" {
			for _, line := range strings.Split(strings.TrimRight(res.Output, "\n"), "\n") {
				fmt.Printf("              %s\n", line)
			}
		}
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case "success":
		return color.New(color.FgHiGreen)
	case "cached":
		return color.New(color.FgCyan)
	case "fallback":
		return color.New(color.FgYellow)
	case "skipped":
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgHiRed)
	}
}
