package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vulntor/busbridge/pkg/appctx"
	"github.com/vulntor/busbridge/pkg/config"
	"github.com/vulntor/busbridge/pkg/logging"
	"github.com/vulntor/busbridge/pkg/metrics"
)

const cliExecutable = "busbridge"

// NewCommand constructs the top-level busbridge CLI command. Configuration,
// the logger and the metrics registry are built once per invocation and
// handed to subcommands through the command context.
func NewCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "busbridge connects event bus components, in process or in worker processes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")

			manager := config.NewManager()
			if err := manager.Load(config.DefaultSources(configFile, cmd.Flags(), debug)...); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg := manager.Get()

			logger := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()).With().
				Str("component", cliExecutable).
				Logger()

			ctx := appctx.WithConfig(cmd.Context(), manager)
			ctx = appctx.WithLogger(ctx, logger)
			ctx = appctx.WithMetrics(ctx, metrics.New())

			cmd.SetContext(ctx)
			if root := cmd.Root(); root != nil && root != cmd {
				root.SetContext(ctx)
			}
			return nil
		},
	}

	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddGroup(&cobra.Group{ID: "bus", Title: "Bus Commands"})
	cmd.AddGroup(&cobra.Group{ID: "core", Title: "Core Commands"})

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newModulesCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func configFrom(cmd *cobra.Command) (config.Config, error) {
	manager, ok := appctx.Config(cmd.Context())
	if !ok {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return manager.Get(), nil
}
