package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	orgspace "github.com/LuminPulse-AI/orgspace/sdk/golang"
	"github.com/spf13/viper"
)

const commandTimeout = 30 * time.Second

// resolveSettings layers the config file and flags over the environment.
func resolveSettings() (orgspace.Config, orgspace.Session, error) {
	cfg, err := orgspace.LoadConfig()
	if err != nil {
		return cfg, orgspace.Session{}, err
	}
	file, err := loadConfig()
	if err != nil {
		return cfg, orgspace.Session{}, fmt.Errorf("failed to load config: %w", err)
	}

	if file.Default.BaseURL != "" {
		cfg.APIBaseURL = file.Default.BaseURL
	}
	if file.Default.Realtime != nil {
		cfg.Realtime = *file.Default.Realtime
	}
	session := orgspace.Session{Token: file.Auth.Token, CurrentUserID: file.Auth.UserID}

	if v := viper.GetString(baseURLFlag); v != "" {
		cfg.APIBaseURL = v
	}
	if v := viper.GetString(tokenFlag); v != "" {
		session.Token = v
	}
	if v := viper.GetString(userIDFlag); v != "" {
		session.CurrentUserID = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, session, err
	}
	return cfg, session, nil
}

// getEngine builds an engine from the resolved settings. It is not started.
func getEngine() *orgspace.Engine {
	cfg, session, err := resolveSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid settings: %v\n", err)
		os.Exit(1)
	}
	if session.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'orgspace config set auth.token <token>' or pass --token.")
		os.Exit(1)
	}
	return orgspace.New(cfg, session)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
