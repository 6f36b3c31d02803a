// Command licensesync serves and runs license reconciliation against the
// external license API.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/license-sync/pkg/config"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

const serviceName = "license-sync"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// instance carries what the root command prepares for its subcommands
type instance struct {
	cfg    *config.Config
	logger *logging.Logger
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and installs the global logger
func preRun(inst *instance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logger, err := logging.NewLogger(&logging.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Output:      cfg.Logging.Output,
			ServiceName: serviceName,
			Version:     version,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetGlobalLogger(logger)

		inst.cfg = cfg
		inst.logger = logger
		return nil
	}
}

func newCLI() *cobra.Command {
	inst := &instance{}

	rootCmd := &cobra.Command{
		Use:           "licensesync",
		Short:         "Reconcile internal licenses with the external license API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentPreRunE = preRun(inst)

	rootCmd.AddCommand(serveCommand(inst))
	rootCmd.AddCommand(syncCommand(inst))
	rootCmd.AddCommand(migrateCommand(inst))
	rootCmd.AddCommand(&cobra.Command{
		Use:               "version",
		Short:             "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return rootCmd
}

func main() {
	defer recoverPanic()

	if err := newCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
