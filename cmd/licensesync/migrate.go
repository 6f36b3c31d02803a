package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/license-sync/internal/database"
)

// migrateCommand groups the schema migration subcommands
func migrateCommand(inst *instance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the licenses schema",
	}

	cmd.AddCommand(migrateRun(inst, "up", "Apply all pending migrations", cobra.NoArgs,
		func(m *database.Migrator, _ []string) error { return m.Up() }))
	cmd.AddCommand(migrateRun(inst, "down", "Roll back all migrations", cobra.NoArgs,
		func(m *database.Migrator, _ []string) error { return m.Down() }))
	cmd.AddCommand(migrateRun(inst, "steps N", "Apply N migrations, or roll back when N is negative", cobra.ExactArgs(1),
		func(m *database.Migrator, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid step count %q: %w", args[0], err)
			}
			return m.Steps(n)
		}))
	cmd.AddCommand(migrateRun(inst, "force VERSION", "Set the schema version without running migrations", cobra.ExactArgs(1),
		func(m *database.Migrator, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return m.Force(v)
		}))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := database.NewMigrator(&inst.cfg.Database)
			if err != nil {
				return err
			}
			defer m.Close()

			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
			return nil
		},
	})

	return cmd
}

func migrateRun(inst *instance, use, short string, args cobra.PositionalArgs, run func(*database.Migrator, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			m, err := database.NewMigrator(&inst.cfg.Database)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := run(m, argv); err != nil {
				return err
			}
			inst.logger.Info("Migration complete", "command", cmd.Name())
			return nil
		},
	}
}
