package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/audit"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/resolve"
	"github.com/relaygate/relaygate/internal/snapshot"
)

// NewSecretsCommand groups the secrets tooling.
func NewSecretsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Resolve, audit, and migrate secret references",
	}
	cmd.AddCommand(
		newSecretsReloadCommand(cfg),
		newSecretsAuditCommand(cfg),
		newSecretsStatusCommand(cfg),
		newSecretsConfigureCommand(cfg),
		newSecretsApplyCommand(cfg),
	)
	return cmd
}

func newSecretsReloadCommand(cfg *config.Config) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Run a full secrets resolution against the on-disk config",
		Long: `Re-runs the resolver against a freshly loaded config and reports whether a
snapshot would activate. Run against a live gateway this validates the exact
state a secrets.reload RPC would install.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := resolve.Prepare(cmd.Context(), resolve.Options{Config: cfg})
			if err != nil {
				if jsonOut {
					_ = printJSON(map[string]any{"ok": false, "error": err.Error()})
				}
				return withExitCode(1, err)
			}
			if jsonOut {
				return printJSON(map[string]any{
					"ok":           true,
					"warningCount": len(snap.Warnings),
					"warnings":     snap.Warnings,
				})
			}
			cfg.Logger.Info("Secrets resolved; snapshot would activate with %d warning(s)", len(snap.Warnings))
			for _, w := range snap.Warnings {
				cfg.Logger.Warn("%s: %s", w.Code, w.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}

func newSecretsAuditCommand(cfg *config.Config) *cobra.Command {
	var (
		check   bool
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Scan all secret surfaces for plaintext, unresolved refs, and residue",
		Long: `Scans the main config, every per-agent auth-profile store, the legacy auth
store, and .env. Exit codes: 2 when any ref does not resolve; 1 with --check
when any finding exists; 0 otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := audit.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if jsonOut {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printAuditReport(cfg, report)
			}
			SetExitCode(report.ExitCode(check))
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Exit non-zero when any finding exists")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}

func printAuditReport(cfg *config.Config, report *audit.Report) {
	switch report.Status {
	case audit.StatusClean:
		cfg.Logger.Info("Secrets audit clean")
	case audit.StatusFindings:
		cfg.Logger.Warn("Secrets audit found %d issue(s)", len(report.Findings))
	case audit.StatusUnresolved:
		cfg.Logger.Error("Secrets audit found unresolved refs")
	}
	for _, f := range report.Findings {
		line := fmt.Sprintf("[%s] %s", f.Code, f.Message)
		if f.JSONPath != "" {
			line += fmt.Sprintf(" (%s at %s)", f.File, f.JSONPath)
		} else {
			line += fmt.Sprintf(" (%s)", f.File)
		}
		switch f.Severity {
		case audit.SeverityError:
			cfg.Logger.Error("%s", line)
		case audit.SeverityWarning:
			cfg.Logger.Warn("%s", line)
		default:
			cfg.Logger.Info("%s", line)
		}
	}
}

func newSecretsStatusCommand(cfg *config.Config) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the secrets configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := cfg.LoadTree()
			if err != nil {
				return err
			}
			settings, err := config.DecodeSecretsSettings(tree)
			if err != nil {
				return err
			}

			type providerSummary struct {
				Alias  string `json:"alias"`
				Source string `json:"source"`
			}
			var providers []providerSummary
			for alias, pc := range settings.Providers {
				providers = append(providers, providerSummary{Alias: alias, Source: string(pc.Source)})
			}

			// A dry resolution shows what a live activation would do.
			snap, prepErr := resolve.Prepare(cmd.Context(), resolve.Options{Config: cfg, Tree: tree})
			state := snapshot.StateReady
			warningCount := 0
			if prepErr != nil {
				state = snapshot.StateDegraded
			} else {
				warningCount = len(snap.Warnings)
			}

			if jsonOut {
				out := map[string]any{
					"providers":    providers,
					"limits":       settings.Limits.Normalized(),
					"state":        state,
					"warningCount": warningCount,
				}
				if prepErr != nil {
					out["error"] = prepErr.Error()
				}
				return printJSON(out)
			}
			cfg.Logger.Info("Providers configured: %d", len(providers))
			for _, p := range providers {
				cfg.Logger.Info("  %s (%s)", p.Alias, p.Source)
			}
			if prepErr != nil {
				cfg.Logger.Error("Resolution currently failing: %v", prepErr)
			} else {
				cfg.Logger.Info("Resolution healthy, %d warning(s)", warningCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}
