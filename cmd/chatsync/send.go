package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendReplyTo string
	sendNoPush  bool

	reactRemove bool
	pinUnset    bool
)

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id to reply to")
	sendCmd.Flags().BoolVar(&sendNoPush, "no-push", false, "Skip the push transport and send over REST")

	reactCmd.Flags().BoolVar(&reactRemove, "remove", false, "Remove the reaction instead of adding it")
	pinCmd.Flags().BoolVar(&pinUnset, "unpin", false, "Unpin instead of pin")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(pinCmd)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <message...>",
	Short: "Send a text message to a room",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		content := strings.Join(args[1:], " ")

		cfg, err := runtimeConfig()
		if err != nil {
			return err
		}
		engine, transport, err := newEngine(cfg, nil)
		if err != nil {
			return err
		}
		defer transport.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if !sendNoPush {
			if err := transport.Activate(ctx); err != nil {
				logger.Info().Err(err).Msg("Push transport unavailable, using REST")
			}
		}

		if err := engine.Send(ctx, roomID, content, sendReplyTo); err != nil {
			return userError(err)
		}

		var sent string
		for _, m := range engine.Store().Log(roomID) {
			if m.Content == strings.TrimSpace(content) && m.SenderID == cfg.Identity.UserID {
				sent = m.ID
			}
		}
		switch {
		case sent == "":
			fmt.Println("Message sent.")
		case chatsync.IsTempID(sent):
			fmt.Println("Message handed to the push transport.")
		default:
			fmt.Printf("Message sent (id: %s)\n", sent)
		}
		return nil
	},
}

// ============================================================================
// recall / react / pin
// ============================================================================

var recallCmd = &cobra.Command{
	Use:   "recall <room-id> <message-id>",
	Short: "Recall one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(func(ctx context.Context, e actionEngine) error {
			return e.Recall(ctx, args[0], args[1])
		}, "Message recalled.")
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <room-id> <message-id> <emoji>",
	Short: "Add or remove an emoji reaction",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if reactRemove {
			return runAction(func(ctx context.Context, e actionEngine) error {
				return e.Unreact(ctx, args[0], args[1], args[2])
			}, "Reaction removed.")
		}
		return runAction(func(ctx context.Context, e actionEngine) error {
			return e.React(ctx, args[0], args[1], args[2])
		}, "Reaction added.")
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <room-id> <message-id>",
	Short: "Pin or unpin a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		done := "Message pinned."
		if pinUnset {
			done = "Message unpinned."
		}
		return runAction(func(ctx context.Context, e actionEngine) error {
			return e.TogglePin(ctx, args[0], args[1], !pinUnset)
		}, done)
	},
}

// actionEngine is the part of the engine the one-shot actions use.
type actionEngine interface {
	Recall(ctx context.Context, roomID, messageID string) error
	React(ctx context.Context, roomID, messageID, emoji string) error
	Unreact(ctx context.Context, roomID, messageID, emoji string) error
	TogglePin(ctx context.Context, roomID, messageID string, pinned bool) error
}

func runAction(fn func(context.Context, actionEngine) error, done string) error {
	cfg, err := runtimeConfig()
	if err != nil {
		return err
	}
	engine, _, err := newEngine(cfg, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := fn(ctx, engine); err != nil {
		return userError(err)
	}
	fmt.Println(done)
	return nil
}
