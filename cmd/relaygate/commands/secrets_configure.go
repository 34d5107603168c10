package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/apply"
	"github.com/relaygate/relaygate/internal/authstore"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/plan"
	"github.com/relaygate/relaygate/internal/registry"
)

func newSecretsConfigureCommand(cfg *config.Config) *cobra.Command {
	var (
		providersOnly     bool
		skipProviderSetup bool
		agentID           string
		planOut           string
		doApply           bool
		yes               bool
		jsonOut           bool
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Build a migration plan for the plaintext secrets on disk",
		Long: `Discovers every plaintext secret in the main config and the per-agent
auth-profile stores and builds a plan converting each one into an env ref.
The plan is written to --plan-out (or stdout) and optionally applied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := cfg.LoadTree()
			if err != nil {
				return err
			}
			settings, err := config.DecodeSecretsSettings(tree)
			if err != nil {
				return err
			}
			reg, err := registry.Compile()
			if err != nil {
				return err
			}

			builder := plan.NewBuilder(reg, plan.BuildOptions{
				ProvidersOnly: providersOnly,
				AgentID:       agentID,
			})
			builder.AddConfigTargets(tree)
			for _, id := range config.AgentIDs(tree) {
				store, err := authstore.Load(cfg.AuthStorePath(tree, id))
				if err != nil {
					return err
				}
				builder.AddAuthProfileTargets(id, store)
			}
			if !skipProviderSetup {
				known := map[string]bool{}
				for alias := range settings.Providers {
					known[alias] = true
				}
				builder.EnsureEnvProvider(known)
			}
			built := builder.Build()

			// The builder only emits what validation accepts; check
			// anyway so a registry drift fails here, not at apply.
			if _, err := built.Validate(reg); err != nil {
				return err
			}

			if len(built.Targets) == 0 && built.ProviderUpserts == nil {
				cfg.Logger.Info("Nothing to configure: no plaintext secrets found")
				return nil
			}

			encoded, err := json.MarshalIndent(built, "", "  ")
			if err != nil {
				return err
			}
			encoded = append(encoded, '\n')

			if planOut != "" {
				if err := config.WriteFileAtomic(planOut, encoded, 0o600); err != nil {
					return err
				}
				cfg.Logger.Info("Plan written to %s (%d target(s))", planOut, len(built.Targets))
			} else if !doApply || jsonOut {
				fmt.Print(string(encoded))
			}

			if !doApply {
				return nil
			}

			ok, err := confirm(
				fmt.Sprintf("Apply %d target(s) now? The plaintext values will be scrubbed.", len(built.Targets)),
				yes, cfg.NonInteractive)
			if err != nil {
				return err
			}
			if !ok {
				cfg.Logger.Warn("Apply skipped")
				return nil
			}
			result, err := apply.Run(cmd.Context(), cfg, built, false)
			if err != nil {
				return withExitCode(1, err)
			}
			if jsonOut {
				return printJSON(map[string]any{
					"ok":           true,
					"changedFiles": result.ChangedFiles,
					"warnings":     result.Warnings,
				})
			}
			cfg.Logger.Info("Applied plan; %d file(s) changed", len(result.ChangedFiles))
			return nil
		},
	}
	cmd.Flags().BoolVar(&providersOnly, "providers-only", false, "Only set up providers; do not migrate secrets")
	cmd.Flags().BoolVar(&skipProviderSetup, "skip-provider-setup", false, "Do not add provider upserts to the plan")
	cmd.Flags().StringVar(&agentID, "agent", "", "Restrict auth-profile targets to one agent")
	cmd.Flags().StringVar(&planOut, "plan-out", "", "Write the plan to this file")
	cmd.Flags().BoolVar(&doApply, "apply", false, "Apply the plan immediately")
	cmd.Flags().BoolVar(&yes, "yes", false, "Assume yes for prompts")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}
