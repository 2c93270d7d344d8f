package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "mailsync",
	Short:        "Mailbox delta sync service",
	Long:         "Keeps a local copy of linked mailboxes in step with the provider using delta tokens and push notifications",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("database.path", "", "SQLite database path")
	rootCmd.PersistentFlags().String("log.level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log.format", "", "log format: json or text")

	serveCmd.Flags().String("http.addr", "", "HTTP listen address")
	serveCmd.Flags().String("public_url", "", "externally reachable base URL")
	serveCmd.Flags().String("nats.url", "", "NATS server URL; empty disables events")

	syncCmd.Flags().String("account", "", "account id to sync")
	syncCmd.Flags().Bool("full", false, "run an initial sync even when a cursor exists")
	_ = syncCmd.MarkFlagRequired("account")

	rootCmd.AddCommand(serveCmd, migrateCmd, syncCmd)
}

// load reads configuration for cmd. Flags that were set override file and environment.
func load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := bindChanged(v, cmd); err != nil {
		return config.Config{}, nil, err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := cfg.Log.NewLogger()
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", slog.String("path", used))
	}
	return cfg, logger, nil
}

func bindChanged(v *viper.Viper, cmd *cobra.Command) error {
	var err error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if err != nil || localFlags[f.Name] {
			return
		}
		err = v.BindPFlag(f.Name, f)
	})
	return err
}

// localFlags are command arguments, not configuration keys.
var localFlags = map[string]bool{"config": true, "account": true, "full": true}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
