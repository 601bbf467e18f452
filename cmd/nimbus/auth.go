package main

import (
	"context"
	"fmt"
	"time"

	nimbus "github.com/NimbusChat/nimbus-go"
	"github.com/spf13/cobra"
)

var (
	loginPassword  string
	signupPassword string
)

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (prompted if omitted)")
	signupCmd.Flags().StringVar(&signupPassword, "password", "", "Password (prompted if omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(signupCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in to the chat server",
	Long:  "Authenticate against the Nimbus server and store the returned identity locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		password := loginPassword
		if password == "" {
			var err error
			if password, err = promptPassword(); err != nil {
				return err
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := nimbus.NewClient(cfg.Default.BaseURL)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Login(ctx, nimbus.Credentials{Username: username, Password: password})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.UserID = result.ID
		cfg.Auth.Username = result.Username
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (user %d).\n", result.Username, result.ID)
		return nil
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup <username>",
	Short: "Create an account",
	Long:  "Register a new account with the Nimbus server and store the returned identity locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		password := signupPassword
		if password == "" {
			var err error
			if password, err = promptPassword(); err != nil {
				return err
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := nimbus.NewClient(cfg.Default.BaseURL)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Signup(ctx, nimbus.Credentials{Username: username, Password: password})
		if err != nil {
			return fmt.Errorf("signup failed: %w", err)
		}

		cfg.Auth.UserID = result.ID
		cfg.Auth.Username = result.Username
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Account created!")
		fmt.Printf("  User ID:  %d\n", result.ID)
		fmt.Printf("  Username: %s\n", result.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Username == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		name := cfg.Auth.Username
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Logged out %s.\n", name)
		return nil
	},
}
