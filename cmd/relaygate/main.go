package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/cmd/relaygate/commands"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code := commands.ExitCodeFor(err); code != 0 {
			os.Exit(code)
		}
		os.Exit(1)
	}
	os.Exit(commands.TakeExitCode())
}

func run() error {
	var (
		configFile     string
		stateDir       string
		noColor        bool
		debug          bool
		nonInteractive bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "relaygate",
		Short: "Multi-channel agent gateway",
		Long: `relaygate runs the agent gateway and its tooling. The secrets subcommands
resolve secret references into the runtime snapshot and migrate plaintext
credentials on disk into references.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.StateDir = stateDir
			cfg.Logger = logging.New(debug, noColor)
			cfg.NonInteractive = nonInteractive
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "relaygate.json", "Config file path")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "State directory (default: <config dir>/state)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")

	rootCmd.AddCommand(
		commands.NewGatewayCommand(cfg),
		commands.NewSecretsCommand(cfg),
	)

	return rootCmd.Execute()
}
