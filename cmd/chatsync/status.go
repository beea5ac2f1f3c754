package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server status",
	Long:  "Display the current configuration, check the push transport, and fetch live room counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}
		fmt.Printf("  Transport:    %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Identity.UserID, "(not set)"))
		fmt.Printf("  Display Name: %s\n", valueOrDefault(cfg.Identity.DisplayName, "(not set)"))

		if cfg.Default.BaseURL == "" || cfg.Default.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		transport, err := newTransport(cfg)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := transport.Activate(ctx); err != nil {
			fmt.Printf("  Push:         unavailable (%v)\n", err)
		} else {
			fmt.Printf("  Push:         connected in %s\n", time.Since(start).Round(time.Millisecond))
			transport.Close()
		}

		rooms, err := newBackend(cfg).ListRooms(ctx)
		if err != nil {
			fmt.Printf("  Error fetching rooms: %v\n", err)
			return nil
		}
		unread := 0
		var last time.Time
		for _, r := range rooms {
			unread += r.UnreadCount
			if r.LastActivity.After(last) {
				last = r.LastActivity
			}
		}
		fmt.Printf("  Rooms:        %s\n", humanize.Comma(int64(len(rooms))))
		fmt.Printf("  Unread:       %s\n", humanize.Comma(int64(unread)))
		if !last.IsZero() {
			fmt.Printf("  Active:       %s\n", humanize.Time(last))
		}
		return nil
	},
}
