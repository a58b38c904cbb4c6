package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initBaseURL string
var initUserID int64

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "override the API base URL")
	initCmd.Flags().Int64Var(&initUserID, "user-id", 0, "numeric id of the authenticated user")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.waveline/config.toml",
	Long:  "Initialize the Waveline CLI by storing your access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initUserID != 0 {
			cfg.Auth.UserID = initUserID
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
