package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tstat/process-muxer/internal/config"
	clierrors "github.com/tstat/process-muxer/internal/errors"
	"github.com/tstat/process-muxer/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `View and modify procmux configuration settings.`,
	}

	cmd.AddCommand(newConfigListCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configuration settings",
		Long:  `Display every configuration setting with its current value, including built-in defaults.`,
		Example: `  procmux config list
  procmux config list --json`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			cfg := config.Load()

			settings := make(map[string]string, len(config.Keys()))
			for _, key := range config.Keys() {
				settings[key] = configValue(cfg, key)
			}

			if out.JSON {
				return out.PrintJSON(settings)
			}

			for _, key := range config.Keys() {
				out.Print("%s = %s\n", key, settings[key])
			}

			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "get <key>",
		Short:   "Get a configuration value",
		Long:    `Retrieve and display the current value of a single configuration key.`,
		Example: `  procmux config get grace_period`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			key := args[0]

			if !config.IsKnownKey(key) {
				return clierrors.UnknownConfigKey(key)
			}

			out.Print("%s = %s\n", key, configValue(config.Load(), key))

			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration key to the given value. The value is checked against
the key's type and persisted to the config file.`,
		Example: `  procmux config set grace_period 10s
  procmux config set buffer_lines 20000`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			key, raw := args[0], args[1]

			value, err := parseConfigValue(key, raw)
			if err != nil {
				return err
			}

			if err := config.Load().Set(key, value); err != nil {
				return clierrors.ConfigFailed("set config", err)
			}

			out.Success("Set %s = %s", key, raw)

			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "path",
		Short:   "Show the configuration file location",
		Long:    `Print the config file procmux reads, or the one 'procmux config set' would create.`,
		Example: `  procmux config path`,
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			out.Println(config.Load().Path())

			return nil
		},
	}
}

// configValue renders key's current value the way it is typed on the
// command line.
func configValue(cfg *config.Config, key string) string {
	def, _ := config.Default(key)

	switch def.(type) {
	case time.Duration:
		return cfg.GetDuration(key).String()
	case int:
		return strconv.Itoa(cfg.GetInt(key))
	default:
		return cfg.GetString(key)
	}
}

// parseConfigValue converts raw to the type of key's default. Durations are
// kept as strings so the file stays readable.
func parseConfigValue(key, raw string) (any, error) {
	def, ok := config.Default(key)
	if !ok {
		return nil, clierrors.UnknownConfigKey(key)
	}

	invalid := func(cause error) error {
		return clierrors.Wrap(clierrors.ExitUsage, fmt.Sprintf("Invalid value for %s: %q", key, raw), cause).
			WithHint(fmt.Sprintf("Default is %v", def))
	}

	switch def.(type) {
	case time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, invalid(err)
		}

		if d <= 0 {
			return nil, invalid(errors.New("duration must be positive"))
		}

		return raw, nil
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, invalid(err)
		}

		if n <= 0 {
			return nil, invalid(errors.New("value must be positive"))
		}

		return n, nil
	default:
		return raw, nil
	}
}
