package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/circlesocial/chatsdk/internal/mockserver"
)

var (
	devserverAddr    string
	devserverUsers   []string
	devserverFriends []string
	devserverEcho    bool
)

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", "127.0.0.1:8000", "Listen address")
	devserverCmd.Flags().StringSliceVar(&devserverUsers, "user", []string{"alice-token:alice:Alice", "bob-token:bob:Bob"},
		"User as token:id[:name] (repeatable)")
	devserverCmd.Flags().StringSliceVar(&devserverFriends, "friends", []string{"alice:bob"},
		"Friendship as id:id (repeatable)")
	devserverCmd.Flags().BoolVar(&devserverEcho, "echo", false, "Also push created messages back to their sender")
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory chat backend for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		opts := []mockserver.Option{mockserver.WithLogger(newLogger(cfg))}
		if devserverEcho {
			opts = append(opts, mockserver.WithEchoToSender())
		}
		srv := mockserver.New(opts...)

		for _, entry := range devserverUsers {
			parts := strings.SplitN(entry, ":", 3)
			if len(parts) < 2 {
				return fmt.Errorf("invalid --user %q, want token:id[:name]", entry)
			}
			name := parts[1]
			if len(parts) == 3 {
				name = parts[2]
			}
			srv.AddUser(parts[0], parts[1], name)
		}
		for _, entry := range devserverFriends {
			parts := strings.SplitN(entry, ":", 2)
			if len(parts) != 2 {
				return fmt.Errorf("invalid --friends %q, want id:id", entry)
			}
			srv.Befriend(parts[0], parts[1])
		}

		baseURL, err := srv.Start(devserverAddr)
		if err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		fmt.Printf("Serving %s\n", baseURL)
		fmt.Printf("Point the CLI at it: chatsdk config set default.base_url %s\n", baseURL)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return srv.Close()
	},
}
