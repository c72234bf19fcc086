package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configEnv points the CLI at another config file, below --config.
const configEnv = "ORGSPACE_CONFIG"

// ============================================================================
// Config file
// ============================================================================

// Config is the CLI configuration stored in ~/.orgspace/config.toml. It only
// carries what the environment cannot: where the service is and who you are.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds engine settings that override ORGSPACE_* variables.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url,omitempty"`
	Realtime *bool  `toml:"realtime,omitempty"`
}

// ConfigAuth holds the session handed to the engine.
type ConfigAuth struct {
	Token  string `toml:"token,omitempty"`
	UserID string `toml:"user_id,omitempty"`
}

// configKey describes one settable field.
type configKey struct {
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

var configKeys = map[string]configKey{
	"default.base_url": {
		get: func(c *Config) string { return c.Default.BaseURL },
		set: func(c *Config, v string) error {
			if v == "" {
				c.Default.BaseURL = ""
				return nil
			}
			u, err := url.Parse(v)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("base_url must be an http(s) URL, got %q", v)
			}
			c.Default.BaseURL = strings.TrimRight(v, "/")
			return nil
		},
	},
	"default.realtime": {
		get: func(c *Config) string {
			if c.Default.Realtime == nil {
				return ""
			}
			return strconv.FormatBool(*c.Default.Realtime)
		},
		set: func(c *Config, v string) error {
			if v == "" {
				c.Default.Realtime = nil
				return nil
			}
			on, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("realtime must be true or false, got %q", v)
			}
			c.Default.Realtime = &on
			return nil
		},
	},
	"auth.token": {
		secret: true,
		get:    func(c *Config) string { return c.Auth.Token },
		set: func(c *Config, v string) error {
			c.Auth.Token = strings.TrimSpace(v)
			return nil
		},
	},
	"auth.user_id": {
		get: func(c *Config) string { return c.Auth.UserID },
		set: func(c *Config, v string) error {
			c.Auth.UserID = strings.TrimSpace(v)
			return nil
		},
	},
}

func sortedConfigKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setConfigValue(cfg *Config, key, value string) error {
	k, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("unknown key %q (valid: %s)", key, strings.Join(sortedConfigKeys(), ", "))
	}
	return k.set(cfg, value)
}

// renderConfig writes every known key with its value; secrets are masked.
func renderConfig(w io.Writer, cfg *Config) {
	for _, key := range sortedConfigKeys() {
		k := configKeys[key]
		v := k.get(cfg)
		switch {
		case v == "":
			v = "(unset)"
		case k.secret:
			v = maskKey(v)
		}
		fmt.Fprintf(w, "  %-18s %s\n", key, v)
	}
}

// configPath returns --config, then $ORGSPACE_CONFIG, then
// ~/.orgspace/config.toml.
func configPath() (string, error) {
	if p := viper.GetString(configFlag); p != "" {
		return p, nil
	}
	if p := os.Getenv(configEnv); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".orgspace", "config.toml"), nil
}

// readConfigFile parses path. A missing file is an empty configuration.
func readConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return &cfg, nil
}

// writeConfigFile stores cfg at path, readable only by the owner since it
// holds the bearer token.
func writeConfigFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return readConfigFile(path)
}

// updateConfig applies key=value to the config file and saves it.
func updateConfig(key, value string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := readConfigFile(path)
	if err != nil {
		return err
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	return writeConfigFile(path, cfg)
}

// ============================================================================
// Commands
// ============================================================================

var configShowJSON bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configPathCmd)
	configShowCmd.Flags().BoolVar(&configShowJSON, jsonFlag, false, "Output JSON (token masked)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage OrgSpace configuration",
	Long: "View or modify the CLI configuration file (default ~/.orgspace/config.toml).\n" +
		"Keys: " + strings.Join(sortedConfigKeys(), ", "),
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := readConfigFile(path)
		if err != nil {
			return err
		}

		if configShowJSON {
			out := make(map[string]string, len(configKeys))
			for key, k := range configKeys {
				v := k.get(cfg)
				if k.secret && v != "" {
					v = maskKey(v)
				}
				out[key] = v
			}
			return printJSON(out)
		}

		fmt.Printf("%s:\n", path)
		renderConfig(os.Stdout, cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Set a configuration value",
	Example: "  orgspace config set default.base_url https://intranet.example.com/api\n  orgspace config set auth.user_id u-1042",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := updateConfig(key, value); err != nil {
			return err
		}
		if configKeys[key].secret {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfig(args[0], ""); err != nil {
			return err
		}
		fmt.Printf("Unset %s\n", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
