package sqlapi

import (
	"errors"
	"fmt"
	"os"

	"github.com/edgeflare/sqlapi/pkg/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// Register built-in audit sinks
	_ "github.com/edgeflare/sqlapi/pkg/audit/sink/clickhouse"
	_ "github.com/edgeflare/sqlapi/pkg/audit/sink/http"
	_ "github.com/edgeflare/sqlapi/pkg/audit/sink/kafka"
	_ "github.com/edgeflare/sqlapi/pkg/audit/sink/mqtt"
	_ "github.com/edgeflare/sqlapi/pkg/audit/sink/nats"
	_ "github.com/edgeflare/sqlapi/pkg/audit/sink/postgres"
)

var (
	cfgFile  string
	envFile  string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sqlapi",
	Short: "sqlapi serves REST endpoints synthesized from a database schema",
	Long: `sqlapi introspects the tables listed in its configuration and exposes create, read,
update, delete and query endpoints for them, documented with OpenAPI.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Println(config.Version)
			return
		}
		cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default is ./api.yaml or $HOME/.config/sqlapi/api.yaml)")
	f.StringVar(&envFile, "env-file", "", "dotenv file loaded before the config (default .env when present)")
	f.StringVarP(&logLevel, "log-level", "L", "", "override the level of every logger (debug, info, warn, error, fatal or 10-50)")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")
	viper.BindPFlags(f)

	rootCmd.AddCommand(serveCmd, openapiCmd, checkCmd)
}

// loadConfig reads the dotenv file and the configuration. The configured environment section
// is exported afterwards so that $NAME references in sink settings resolve.
func loadConfig(cmd *cobra.Command, args []string) error {
	if err := loadEnv(envFile); err != nil {
		return err
	}
	var err error
	if cfg, err = config.Load(cfgFile); err != nil {
		return err
	}
	cfg.ExportEnvironment()
	return nil
}

func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("env file .env: %w", err)
	}
	return nil
}
