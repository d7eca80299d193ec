package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsdk configuration",
	Long:  "View or modify the CLI configuration stored in ~/.chatsdk/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration and check it",
	Long:  "Print ~/.chatsdk/config.toml with the token masked, then report settings chat commands would reject.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsdk login <token> <user-id>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showConfig(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg)
	},
}

// showConfig writes cfg with its token masked and fails when checkConfig
// finds problems.
func showConfig(out, errOut io.Writer, cfg *Config) error {
	masked := *cfg
	if masked.Auth.Token != "" {
		masked.Auth.Token = maskToken(masked.Auth.Token)
	}
	problems := checkConfig(cfg)

	if jsonOutput {
		data, err := json.MarshalIndent(struct {
			Config   Config   `json:"config"`
			Problems []string `json:"problems"`
		}{masked, problems}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		data, err := toml.Marshal(masked)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(out, string(data))
		for _, p := range problems {
			fmt.Fprintln(errOut, "warning:", p)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration has %d problem(s)", len(problems))
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsdk config set default.cache_backend sqlite",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
