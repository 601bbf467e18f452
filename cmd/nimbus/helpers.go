package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	nimbus "github.com/NimbusChat/nimbus-go"
)

// getClient creates a Nimbus client from the stored configuration.
func getClient() *nimbus.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return nimbus.NewClient(cfg.Default.BaseURL)
}

// getIdentity returns the stored identity, exiting if nobody is logged in.
func getIdentity() nimbus.Identity {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	id := nimbus.Identity{ID: cfg.Auth.UserID, Username: cfg.Auth.Username}
	if !id.Valid() {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'nimbus login <username>' first.")
		os.Exit(1)
	}
	return id
}

// sessionConfig builds a SessionConfig honoring the configured transport.
func sessionConfig(client *nimbus.Client, cfg *Config) *nimbus.SessionConfig {
	sc := &nimbus.SessionConfig{}
	if cfg.Default.Transport == "sse" {
		sc.Transport = nimbus.NewSSETransport(client.BaseURL(), client.HTTPClient())
	}
	return sc
}

// promptPassword reads a password from stdin. The prompt goes to stderr
// so piped output stays clean.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
