package main

import (
	"fmt"
	"net/http"
	"time"

	nimbus "github.com/NimbusChat/nimbus-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, nimbus.DefaultBaseURL))
		fmt.Printf("  Transport: %s\n", valueOrDefault(cfg.Default.Transport, "websocket"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:  %d\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username: (not logged in)")
		}

		// Reachability probe; any HTTP response counts as up.
		fmt.Println()
		base := valueOrDefault(cfg.Default.BaseURL, nimbus.DefaultBaseURL)
		probe := &http.Client{Timeout: 5 * time.Second}
		resp, err := probe.Get(base + "/")
		if err != nil {
			fmt.Printf("Server:    UNREACHABLE (%v)\n", err)
			return nil
		}
		resp.Body.Close()
		fmt.Println("Server:    reachable")
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
