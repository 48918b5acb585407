package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/arcward/quentin/quentin"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader reads a secret from the terminal. It's swapped out in
// tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var (
	generateToken bool
	resetToken    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set the admin API token",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("QUENTIN_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"QUENTIN_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := quentin.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		out := cmd.OutOrStdout()
		tokenSet, err := quentin.AdminTokenSet(ctx, db)
		if err != nil {
			log.Fatalf("Error checking admin token: %v", err)
		}

		if tokenSet && !resetToken {
			_, _ = fmt.Fprintln(out, "Admin token is already set (use --reset to replace it).")
		} else {
			var token string
			if generateToken {
				token, err = randomToken()
				if err != nil {
					log.Fatalf("Error generating token: %v", err)
				}
				_, _ = fmt.Fprintf(out, "Generated admin token: %s\n", token)
			} else {
				token = promptToken(cmd)
			}
			if err = quentin.SetAdminToken(ctx, db, token); err != nil {
				log.Fatalf("Error saving admin token: %v", err)
			}
			_, _ = fmt.Fprintln(out, "Admin token set successfully.")
		}

		_, _ = fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// promptToken reads the token twice, until both entries match
func promptToken(cmd *cobra.Command) string {
	out := cmd.OutOrStdout()
	if customPasswordReader == nil {
		customPasswordReader = func() ([]byte, error) {
			return term.ReadPassword(int(os.Stdin.Fd()))
		}
	}
	for {
		_, _ = fmt.Fprint(out, "Enter admin token: ")
		tokenBytes, err := customPasswordReader()
		_, _ = fmt.Fprintln(out)
		if err != nil {
			log.Fatalf("Error reading token: %v", err)
		}

		_, _ = fmt.Fprint(out, "Confirm admin token: ")
		confirmBytes, err := customPasswordReader()
		_, _ = fmt.Fprintln(out)
		if err != nil {
			log.Fatalf("Error reading token: %v", err)
		}

		token := string(tokenBytes)
		switch {
		case token == "":
			_, _ = fmt.Fprintln(out, "Token cannot be empty. Please try again.")
		case token != string(confirmBytes):
			_, _ = fmt.Fprintln(out, "Tokens do not match. Please try again.")
		default:
			return token
		}
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().BoolVar(&generateToken, "generate", false, "Generate a random token instead of prompting for one")
	initCmd.Flags().BoolVar(&resetToken, "reset", false, "Replace an existing admin token")
	rootCmd.AddCommand(initCmd)
}
