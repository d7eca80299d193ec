package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginDisplayName string

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginDisplayName, "name", "", "Display name to show in status")
}

var loginCmd = &cobra.Command{
	Use:   "login <token> <user-id>",
	Short: "Store credentials in ~/.chatsdk/config.toml",
	Long:  "Store the bearer token and user id issued by the auth service in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = args[1]
		if loginDisplayName != "" {
			cfg.Auth.DisplayName = loginDisplayName
		}
		if cfg.Default.CacheBackend == "" {
			cfg.Default.CacheBackend = "file"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
