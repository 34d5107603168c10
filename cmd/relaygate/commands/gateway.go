package commands

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/resolve"
	"github.com/relaygate/relaygate/internal/snapshot"
)

// NewGatewayCommand runs the gateway process: startup activation, the RPC
// surface, and optionally the config watcher.
func NewGatewayCommand(cfg *config.Config) *cobra.Command {
	var (
		listen string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway with the secrets RPC surface",
		Long: `Performs the startup secrets activation (a failure aborts the process),
then serves secrets.reload and secrets.resolve plus /metrics. With --watch
the main config is watched and changes trigger a reload; a failed reload
keeps the last-known-good snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			metrics := snapshot.NewMetrics(reg)
			activator := snapshot.NewActivator(cfg.Logger, metrics)
			activator.Observe(func(ev snapshot.Event) {
				switch ev.Kind {
				case snapshot.EventDegraded:
					cfg.Logger.Error("%s: %s", ev.Kind, ev.Message)
				case snapshot.EventRecovered:
					cfg.Logger.Info("%s: %s", ev.Kind, ev.Message)
				}
			})

			// Startup activation: no LKG exists, so a failure is fatal.
			if err := activator.Reload(cmd.Context(), resolve.Options{Config: cfg}, true); err != nil {
				return withExitCode(1, err)
			}
			snap := activator.Active()
			cfg.Logger.Info("Secrets snapshot active with %d warning(s)", len(snap.Warnings))

			server := gateway.NewServer(cfg, activator, reg)
			if watch {
				go func() {
					if err := server.WatchConfig(cmd.Context()); err != nil {
						cfg.Logger.Warn("Config watcher stopped: %v", err)
					}
				}()
			}
			return server.Serve(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8470", "RPC listen address")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload secrets when the config file changes")
	return cmd
}
