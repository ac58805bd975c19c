package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/perfectuser21/grapnel/internal/server"
)

var tokenSubject string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API access token",
	Long: `Token mints a JWT for the admin API, signed with the configured
server.auth.secret. The token prints to stdout so it can be captured:

  export GRAPNEL_TOKEN=$(grapnel token --subject deploy-bot)
  curl -H "Authorization: Bearer $GRAPNEL_TOKEN" localhost:8456/api/stats`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "subject claim for the token")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	auth := cfg.Server.Auth
	if auth.Secret == "" {
		return errors.New("server.auth.secret is not configured, API authentication is disabled")
	}

	tokens := server.NewTokenService(auth.Secret, auth.Issuer, auth.TokenTTL)
	token, expiresAt, err := tokens.Mint(tokenSubject)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "subject %q, expires %s\n", tokenSubject, expiresAt.Format(time.RFC3339))
	return nil
}
