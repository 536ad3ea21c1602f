// Package config implements the `flux config` surface (§4.O): a
// viper-backed loader for the CLI's TOML/JSON config file plus the cobra
// command that inspects it.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/validator"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Config is the subset of `flux` CLI configuration loaded from file,
// environment, or flags, in that increasing order of precedence.
type Config struct {
	BrokerURI string `mapstructure:"broker_uri"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
	CACert    string `mapstructure:"ca_cert"`
	LogLevel  string `mapstructure:"log_level"`
}

// DefaultConfig mirrors the compiled-in defaults a bare `flux` invocation
// falls back to absent any config file.
func DefaultConfig() Config {
	return Config{
		BrokerURI: "local:///run/flux/local",
		LogLevel:  "info",
	}
}

// Load reads configuration from path (if non-empty), $XDG_CONFIG_HOME/
// flux/config.toml otherwise, then FLUX_* environment variables, in that
// order, the later overriding the former.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("flux")
	v.AutomaticEnv()

	cfg := DefaultConfig()
	v.SetDefault("broker_uri", cfg.BrokerURI)
	v.SetDefault("log_level", cfg.LogLevel)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserConfigDir()
		if err == nil {
			v.AddConfigPath(home + "/flux")
			v.SetConfigName("config")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !ferrors.Is(err, os.ErrNotExist) {
			return cfg, ferrors.Wrapf(err, "read config %s", path)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, ferrors.Wrapf(err, "unmarshal config")
	}

	check := validator.New()
	check.Assert(cfg.BrokerURI != "", "broker_uri must not be empty")
	check.AssertOneOf("log_level", cfg.LogLevel, validLogLevels)
	if err := check.Err(); err != nil {
		return cfg, ferrors.Wrapf(err, "validate config %s", path)
	}
	return cfg, nil
}

// Command builds the `flux config` cobra subcommand tree: `get <key>` and
// `dump` (print the resolved configuration).
func Command() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "inspect the resolved flux configuration",
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config.toml")

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(configFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "broker_uri = %q\nlog_level = %q\n", cfg.BrokerURI, cfg.LogLevel)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "print a single resolved configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(configFile)
			if err != nil {
				return err
			}
			switch args[0] {
			case "broker_uri":
				fmt.Fprintln(cmd.OutOrStdout(), cfg.BrokerURI)
			case "log_level":
				fmt.Fprintln(cmd.OutOrStdout(), cfg.LogLevel)
			default:
				return ferrors.Newf(ferrors.NotFound, "unknown config key %q", args[0])
			}
			return nil
		},
	})

	return cmd
}
