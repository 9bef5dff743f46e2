package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Config is the CLI configuration stored in ~/.realtime/config.toml.
type Config struct {
	Project ConfigProject `toml:"project"`
	Socket  ConfigSocket  `toml:"socket"`
	Kafka   ConfigKafka   `toml:"kafka"`
}

// ConfigProject identifies the realtime project.
type ConfigProject struct {
	URL         string `toml:"url"`
	APIKey      string `toml:"api_key"`
	AccessToken string `toml:"access_token"`
}

// ConfigSocket tunes the connection.
type ConfigSocket struct {
	Transport        string `toml:"transport"`
	HeartbeatSeconds int    `toml:"heartbeat_seconds"`
	JoinTimeoutSecs  int    `toml:"join_timeout_seconds"`
}

// ConfigKafka configures the kafka sink.
type ConfigKafka struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".realtime", "config.toml"), nil
}

// resolveConfigPath returns the --config flag or the default location.
func resolveConfigPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return defaultConfigPath()
}

// loadConfig reads and parses the config file at path.
// A missing file yields a zero-value Config.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes cfg to path as TOML, creating the directory.
func saveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a field using dot notation (e.g. "project.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. project.url)")
	}
	section, field := parts[0], parts[1]

	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return n, nil
	}

	switch section {
	case "project":
		switch field {
		case "url":
			cfg.Project.URL = value
		case "api_key":
			cfg.Project.APIKey = value
		case "access_token":
			cfg.Project.AccessToken = value
		default:
			return fmt.Errorf("unknown field %q in section [project]", field)
		}
	case "socket":
		switch field {
		case "transport":
			if value != "gorilla" && value != "nhooyr" {
				return fmt.Errorf("transport must be gorilla or nhooyr")
			}
			cfg.Socket.Transport = value
		case "heartbeat_seconds":
			n, err := atoi()
			if err != nil {
				return err
			}
			cfg.Socket.HeartbeatSeconds = n
		case "join_timeout_seconds":
			n, err := atoi()
			if err != nil {
				return err
			}
			cfg.Socket.JoinTimeoutSecs = n
		default:
			return fmt.Errorf("unknown field %q in section [socket]", field)
		}
	case "kafka":
		switch field {
		case "brokers":
			cfg.Kafka.Brokers = splitList(value)
		case "topic":
			cfg.Kafka.Topic = value
		default:
			return fmt.Errorf("unknown field %q in section [kafka]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: project, socket, kafka)", section)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage listener configuration",
	Long:  "View or modify the configuration stored in ~/.realtime/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'realtime-listen config set project.url <url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: realtime-listen config set project.api_key eyJhbGciOi...",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
