package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/circlesocial/chatsdk"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration, then check the HTTP API and the push channel with the stored credentials.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:      %s\n", valueOrDefault(cfg.Default.BaseURL, chatsdk.DefaultBaseURL+" (default)"))
		fmt.Printf("  Push URL:      %s\n", valueOrDefault(cfg.Default.WSURL, "(derived from base URL)"))
		fmt.Printf("  Cache backend: %s\n", valueOrDefault(cfg.Default.CacheBackend, "file"))
		if cfg.Default.CacheDir != "" {
			fmt.Printf("  Cache dir:     %s\n", cfg.Default.CacheDir)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:         (not logged in)")
			return nil
		}
		fmt.Printf("  User ID:       %s\n", cfg.Auth.UserID)
		if cfg.Auth.DisplayName != "" {
			fmt.Printf("  Display name:  %s\n", cfg.Auth.DisplayName)
		}
		fmt.Printf("  Token:         %s\n", maskToken(cfg.Auth.Token))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		env, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer env.close()

		fmt.Println()
		fmt.Println("Live status:")
		friends, err := env.session.Friends().List(ctx, "")
		if err != nil {
			fmt.Printf("  API:           error: %v\n", err)
		} else {
			fmt.Printf("  API:           ok (%d friends)\n", len(friends))
		}
		fmt.Printf("  Push channel:  %s\n", env.session.Transport().State())
		fmt.Printf("  Cached chats:  %d\n", len(env.session.Store().Snapshot()))
		return nil
	},
}
