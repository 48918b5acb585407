package cmd

import (
	"log"

	"github.com/arcward/quentin/quentin"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, the quest schedulers and the admin API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		q, err := quentin.New(cfg)
		if err != nil {
			log.Fatalf("error creating quentin: %s", err.Error())
		}
		if err = q.Run(ctx); err != nil {
			log.Fatalf("error running quentin: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
