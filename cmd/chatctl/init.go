package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token> <user-id>",
	Short: "Store connection settings in ~/.chatsync/config.toml",
	Long:  "Initialize chatctl by storing the server URL, auth token, and your user id in the local configuration file.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.BaseURL = args[0]
		cfg.Auth.Token = args[1]
		cfg.Auth.UserID = args[2]

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
