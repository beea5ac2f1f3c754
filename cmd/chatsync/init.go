package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID      string
	initDisplayName string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id on the server")
	initCmd.Flags().StringVar(&initDisplayName, "name", "", "Display name attached to sent messages")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Store server URL and token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the chat server URL and your bearer token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		cfg.Default.Token = args[1]
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "ws"
		}
		if initUserID != "" {
			cfg.Identity.UserID = initUserID
		}
		if initDisplayName != "" {
			cfg.Identity.DisplayName = initDisplayName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Server settings saved to %s\n", path)
		return nil
	},
}
