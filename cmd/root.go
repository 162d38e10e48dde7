// Package cmd provides the roost command-line interface.
//
// Configuration is layered through viper with clear precedence:
//  1. Command-line flags - highest priority
//  2. ROOST_* environment variables (ROOST_GOSSIP_LISTEN_ADDR, ...)
//  3. Configuration file (.roost.yml) - lowest priority
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roost-sh/roost/internal/config"
	"github.com/roost-sh/roost/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "A service supervisor with gossiped configuration",
	Long: `Roost supervises services: it runs their processes, renders their
configuration templates from live census and layered TOML state, and keeps
a ring of supervisors in sync over gossip.

Quick Start:
  roost run --peer 10.0.0.5        Start the supervisor and join a ring
  roost svc load core/nginx        Load a service into a running supervisor
  roost svc status                 Show loaded services
  roost render ./pkg --cfg c.toml  Render templates once for CI

Configuration values follow the ROOST_<SECTION>_<OPTION> pattern, e.g.
ROOST_GOSSIP_LISTEN_ADDR or ROOST_LOGGING_LEVEL.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// accept listen_gossip and listen-gossip alike
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .roost.yml, can also use ROOST_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json-logging", false, "emit logs as JSON")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.json", rootCmd.PersistentFlags().Lookup("json-logging"))
}

// initConfig wires viper's sources: the --config flag, the ROOST_CONFIG_FILE
// environment variable, or .roost.yml in the current directory.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("ROOST_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".roost")
	}

	viper.SetEnvPrefix("ROOST")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// a missing config file is fine; flags and env still apply
	_ = viper.ReadInConfig()
}

// newLogger builds the process logger from the loaded configuration.
func newLogger(cfg *config.Config) logging.Logger {
	format := "text"
	if cfg.Logging.JSON {
		format = "json"
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: format,
	})
}
