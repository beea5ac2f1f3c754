package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	roomsUnread bool
	roomsJSON   bool

	historyLimit int
	historyJSON  bool
)

func init() {
	roomsCmd.Flags().BoolVar(&roomsUnread, "unread", false, "Show only rooms with unread messages")
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(historyCmd)
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List rooms, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		if err := engine.RefreshRooms(ctx); err != nil {
			return userError(err)
		}

		rooms := engine.Store().Rooms()
		if roomsUnread {
			filtered := rooms[:0]
			for _, r := range rooms {
				if r.UnreadCount > 0 {
					filtered = append(filtered, r)
				}
			}
			rooms = filtered
		}

		if roomsJSON {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms found.")
			return nil
		}
		for _, r := range rooms {
			fmt.Println(formatRoom(r))
		}
		return nil
	},
}

func formatRoom(r chatsync.Room) string {
	var b strings.Builder
	name := r.Name
	if name == "" {
		name = string(r.Kind)
	}
	fmt.Fprintf(&b, "  %s: %s", r.ID, name)
	if r.UnreadCount > 0 {
		fmt.Fprintf(&b, " (%d unread)", r.UnreadCount)
	}
	if !r.LastActivity.IsZero() {
		fmt.Fprintf(&b, " · %s", humanize.Time(r.LastActivity))
	}
	if r.LastMessage != "" {
		fmt.Fprintf(&b, "\n      %s", truncate(r.LastMessage, 60))
	}
	return b.String()
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Show the message history of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
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

		if err := engine.Preload(ctx, roomID); err != nil {
			return userError(err)
		}

		msgs := engine.Store().Log(roomID)
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

func formatMessage(m chatsync.Message) string {
	sender := valueOrDefault(m.SenderName, m.SenderID)
	content := m.Content
	switch {
	case m.Recalled:
		content = "(message recalled)"
	case m.Kind == chatsync.MessageImage:
		content = "[image] " + content
	case m.Kind == chatsync.MessageFile:
		content = "[file] " + content
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.CreatedAt.Local().Format("Jan 2 15:04"), sender, content)
	if m.Pinned {
		b.WriteString(" 📌")
	}
	if len(m.Reactions) > 0 {
		counts := map[string]int{}
		var order []string
		for _, r := range m.Reactions {
			if counts[r.Emoji] == 0 {
				order = append(order, r.Emoji)
			}
			counts[r.Emoji]++
		}
		b.WriteString("  ")
		for _, e := range order {
			fmt.Fprintf(&b, " %s%d", e, counts[e])
		}
	}
	if m.IsTemporary() {
		b.WriteString(" (sending)")
	}
	fmt.Fprintf(&b, "  {%s}", m.ID)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
