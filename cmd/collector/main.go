// Command collector runs the local activity collector and its offline
// derivation steps.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chronicl/collector/internal/config"
	"github.com/chronicl/collector/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "collector",
		Short:         "Local privacy-preserving activity collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to config file")

	root.AddCommand(
		newRunCmd(),
		newInitDBCmd(),
		newBuildSessionsCmd(),
		newBuildRoutinesCmd(),
		newBuildHandoffCmd(),
		newBuildDailySummaryCmd(),
		newBuildPatternSummaryCmd(),
		newBuildLLMInputCmd(),
		newRunRetentionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func openStore(cfg config.Config) (*store.Store, error) {
	codec, err := store.LoadRawCodec(cfg.Encryption.Enabled, cfg.Encryption.KeyFile)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Options{
		Path:          cfg.DBPath,
		WALMode:       cfg.WALMode,
		BusyTimeoutMS: cfg.BusyTimeoutMS,
		Codec:         codec,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func newInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database file and apply migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready:", cfg.DBPath)
			return nil
		},
	}
}
