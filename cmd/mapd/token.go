package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmap/mapd/internal/auth"
	"github.com/taskmap/mapd/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a development JWT for connecting to the server",
	Long: `Mint a signed session token for local development and testing.

Production tokens come from the authentication service at login; this command
exists so a map client can be pointed at a local server without standing that
service up.

Example usage:
  mapd token u123 --username alice --ttl 24h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if secret, _ := cmd.Flags().GetString("jwt-secret"); secret != "" {
			cfg.JWTSecret = secret
		}
		if cfg.JWTSecret == "" {
			return fmt.Errorf("a JWT secret is required (--jwt-secret, MAPD_JWT_SECRET, or jwt_secret in mapd.yaml)")
		}

		username, _ := cmd.Flags().GetString("username")
		if username == "" {
			username = args[0]
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		verifier, err := auth.NewVerifier(cfg.JWTSecret)
		if err != nil {
			return err
		}
		token, err := verifier.Mint(auth.Identity{UserID: args[0], Username: username}, ttl)
		if err != nil {
			return err
		}

		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("config", "", "Path to config file (default: ./mapd.yaml if present)")
	tokenCmd.Flags().String("jwt-secret", "", "JWT HMAC secret (overrides config)")
	tokenCmd.Flags().String("username", "", "Display name embedded in the token (default: user id)")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
