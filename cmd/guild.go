package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"

	"github.com/arcward/quentin/quentin"
	"github.com/spf13/cobra"
)

var guildCmd = &cobra.Command{
	Use:   "guild",
	Short: "Manage guild quest settings",
}

var guildImportCmd = &cobra.Command{
	Use:   "import <catalog.yaml>",
	Short: "Import a guild's settings, game tables and factions from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		catalog, err := quentin.LoadGuildCatalog(args[0])
		if err != nil {
			return err
		}
		if err = catalog.Validate(quentin.DefaultRegistry()); err != nil {
			return fmt.Errorf("invalid catalog: %w", err)
		}

		db, err := quentin.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		writeDB := quentin.NewDatabase(db, slog.Default(), cfg.DatabaseType == "postgres")
		created, err := catalog.Apply(
			ctx,
			quentin.NewConfigStore(writeDB),
			quentin.NewFactionLedger(writeDB, slog.Default(), nil),
		)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(out, "Imported settings for guild %s\n", catalog.GuildID)
		for _, name := range created {
			_, _ = fmt.Fprintf(out, "Created faction: %s\n", name)
		}
		return nil
	},
}

var guildListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the settings of every configured guild as JSON",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		db, err := quentin.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		store := quentin.NewConfigStore(quentin.NewDatabase(db, slog.Default(), false))
		configs, err := store.List(ctx)
		if err != nil {
			log.Fatalf("Error listing guilds: %v", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err = enc.Encode(configs); err != nil {
			log.Fatalf("Error encoding guilds: %v", err)
		}
	},
}

//nolint:gochecknoinits
func init() {
	guildCmd.AddCommand(guildImportCmd, guildListCmd)
	rootCmd.AddCommand(guildCmd)
}
