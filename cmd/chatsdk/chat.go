package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/circlesocial/chatsdk"
)

func init() {
	rootCmd.AddCommand(friendsCmd)
	friendsCmd.AddCommand(friendsRemoveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
}

const requestTimeout = 15 * time.Second

// ============================================================================
// friends
// ============================================================================

var friendsCmd = &cobra.Command{
	Use:   "friends [search]",
	Short: "List friends, optionally filtered by display name",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		env, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer env.close()

		term := ""
		if len(args) == 1 {
			term = args[0]
		}
		friends, err := env.session.Friends().List(ctx, term)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(friends)
		}
		if len(friends) == 0 {
			fmt.Println("No friends found.")
			return nil
		}
		for _, f := range friends {
			fmt.Printf("%-26s %s\n", f.ID, f.DisplayName)
		}
		return nil
	},
}

var friendsRemoveCmd = &cobra.Command{
	Use:   "remove <friend-id>",
	Short: "Remove a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		env, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.session.Friends().Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <friend-id>",
	Short: "Show the conversation with a friend",
	Long:  "Open the conversation with a friend and print it. Cached conversations are shown without a request.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		env, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer env.close()

		friendID := args[0]
		if err := env.session.Windows().Open(ctx, chatsdk.Friend{ID: friendID}); err != nil {
			return err
		}
		msgs := env.session.Store().Messages(friendID)

		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m chatsdk.Message) {
	who := "them"
	if m.Sender == chatsdk.SenderSelf {
		who = "me"
	}
	edited := ""
	if m.IsEdited {
		edited = " (edited)"
	}
	id := m.Identity.ServerID()
	if id == "" {
		id = "-"
	}
	fmt.Printf("[%s] %-4s %s%s  (%s)\n", m.Timestamp.Local().Format("2006-01-02 15:04"), who, m.Text, edited, id)
}

// ============================================================================
// send / edit / delete
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <friend-id> <text...>",
	Short: "Send a message to a friend",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		env, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer env.close()

		friendID := args[0]
		if err := env.session.Windows().Open(ctx, chatsdk.Friend{ID: friendID}); err != nil {
			env.logger.Warn().Err(err).Msg("history unavailable")
		}
		msg, err := env.session.Store().SendMessage(ctx, friendID, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s\n", msg.Identity.ServerID())
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <friend-id> <message-id> <text...>",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		env, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer env.close()

		friendID, messageID := args[0], args[1]
		if err := env.session.Store().EnsureLoaded(ctx, friendID); err != nil {
			return err
		}
		msg, err := env.session.Store().EditMessage(ctx, friendID, chatsdk.Confirmed(messageID), strings.Join(args[2:], " "))
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(msg)
		}
		printMessage(msg)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <friend-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		env, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer env.close()

		friendID, messageID := args[0], args[1]
		if err := env.session.Store().EnsureLoaded(ctx, friendID); err != nil {
			return err
		}
		if err := env.session.Store().DeleteMessage(ctx, friendID, chatsdk.Confirmed(messageID)); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", messageID)
		return nil
	},
}
