package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/circlesocial/chatsdk"
)

var (
	listenWebhookURL    string
	listenWebhookSecret string
)

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().StringVar(&listenWebhookURL, "webhook", "", "Relay notifications to this URL")
	listenCmd.Flags().StringVar(&listenWebhookSecret, "webhook-secret", "", "HMAC secret for relayed notifications")
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print pushed messages until interrupted",
	Long:  "Connect the push channel and print every incoming message. Received messages are cached like in any other session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := openListenSession(ctx)
		if err != nil {
			return err
		}
		defer env.close()

		store := env.session.Store()
		show := func(_ string, m chatsdk.Message) {
			if jsonOutput {
				printJSON(m)
				return
			}
			fmt.Printf("%s: ", m.ConversationID)
			printMessage(m)
		}
		store.On(chatsdk.EventMessageReceived, show)
		store.On(chatsdk.EventMessageEdited, show)

		fmt.Fprintf(os.Stderr, "Listening as %s (push channel %s). Press Ctrl+C to stop.\n",
			env.cfg.Auth.UserID, env.session.Transport().State())
		<-ctx.Done()

		if n := env.session.Notifications().TotalUnread(); n > 0 {
			fmt.Fprintf(os.Stderr, "%d unread message(s).\n", n)
		}
		return nil
	},
}

// openListenSession is openSession with an optional webhook relay.
func openListenSession(ctx context.Context) (*chatEnv, error) {
	if listenWebhookURL == "" {
		return openSession(ctx, true)
	}
	relay, err := chatsdk.NewWebhookRelay(listenWebhookURL, listenWebhookSecret)
	if err != nil {
		return nil, err
	}
	return openSession(ctx, true, chatsdk.WithWebhookRelay(relay))
}
