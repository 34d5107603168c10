package commands

import (
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/apply"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/plan"
)

func newSecretsApplyCommand(cfg *config.Config) *cobra.Command {
	var (
		from    string
		dryRun  bool
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a secrets migration plan",
		Long: `Projects the plan over the main config, the per-agent auth-profile stores,
the legacy auth store, and .env; proves the projected state resolves end to
end; then commits every file atomically. Any write failure rolls back the
files already written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(from)
			if err != nil {
				return err
			}
			result, err := apply.Run(cmd.Context(), cfg, p, dryRun)
			if err != nil {
				if jsonOut {
					_ = printJSON(map[string]any{"ok": false, "error": err.Error()})
				}
				return withExitCode(1, err)
			}
			if jsonOut {
				return printJSON(map[string]any{
					"ok":           true,
					"dryRun":       result.DryRun,
					"changedFiles": result.ChangedFiles,
					"warnings":     result.Warnings,
				})
			}
			if result.DryRun {
				cfg.Logger.Info("Dry run: %d file(s) would change", len(result.ChangedFiles))
			} else {
				cfg.Logger.Info("Applied plan; %d file(s) changed", len(result.ChangedFiles))
			}
			for _, f := range result.ChangedFiles {
				cfg.Logger.Info("  %s", f)
			}
			for _, w := range result.Warnings {
				cfg.Logger.Warn("%s", w)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Plan file to apply (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Project and preflight without writing")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
