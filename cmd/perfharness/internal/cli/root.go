// Package cli provides command-line interface setup for perfharness.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"perfharness/cmd/perfharness/shared"
	"perfharness/internal/logger"
	"perfharness/internal/output"
	"perfharness/pkg/benchtypes"
)

// App represents the perfharness CLI application
type App struct {
	Viper  *viper.Viper
	Config *shared.Config

	configFile string
	// launcher replaces real processes when set; tests inject a fake.
	launcher benchtypes.Launcher
}

// NewApp creates a new perfharness CLI application
func NewApp() *App {
	return &App{Viper: shared.NewViper()}
}

// CreateRootCommand creates and configures the root command
func (app *App) CreateRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "perfharness",
		Short: "Performance comparison harness for solver variants",
		Long: `perfharness runs every variant of an experiment matrix on identical,
seeded problem instances, records one row per run in a CSV result store and
renders paired comparisons of the variants.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return app.loadConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "Config file (default ./perfharness.yaml)")
	flags.StringP("matrix", "m", shared.DefaultMatrix, "Experiment matrix file")
	flags.String("results-dir", shared.DefaultResultsDir, "Directory for result stores, ledger and reports")
	flags.String("log-level", "", "Set log level (debug|info|warn|error) [default: info]")
	flags.String("log-file", "", "Write logs to file instead of stderr")

	app.bindFlags(rootCmd, map[string]string{
		"matrix":      "matrix",
		"results_dir": "results-dir",
		"log_level":   "log-level",
		"log_file":    "log-file",
	}, true)

	app.addCampaignCommands(rootCmd)
	app.addReportCommands(rootCmd)
	app.addVersionCommand(rootCmd)

	return rootCmd
}

// bindFlags binds viper keys to the named flags of cmd.
func (app *App) bindFlags(cmd *cobra.Command, keys map[string]string, persistent bool) {
	flags := cmd.Flags()
	if persistent {
		flags = cmd.PersistentFlags()
	}
	for key, name := range keys {
		if err := app.Viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
}

func (app *App) loadConfig() error {
	cfg, err := shared.Load(app.Viper, app.configFile)
	if err != nil {
		return err
	}
	if err := logger.Configure(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	app.Config = cfg
	if cfg.ConfigFile != "" {
		logger.Debug("Loaded config", "file", cfg.ConfigFile)
	}
	return nil
}

func (app *App) printer(cmd *cobra.Command) *output.Printer {
	return output.NewPrinter(output.WithWriter(cmd.OutOrStdout()))
}
