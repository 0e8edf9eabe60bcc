// golana: local host for Go smart-contract bytecode.
//
// The CLI keeps a ledger under --data-dir and runs the loader against it:
// check images, deploy them in chunks, execute handlers and browse the
// transaction journal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fortiblox/golana/pkg/heap"
	"github.com/fortiblox/golana/pkg/svm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Config keys.
const (
	keyConfig          = "config"
	keyDataDir         = "data-dir"
	keyLogLevel        = "log-level"
	keyAuthoritySeed   = "authority-seed"
	keyArenaSize       = "arena-size"
	keyComputeLimit    = "compute-limit"
	keyAirdropLamports = "airdrop-lamports"
)

var rootCmd = &cobra.Command{
	Use:           "golana",
	Short:         "Run Go smart-contract bytecode on a local ledger",
	Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadConfig()
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String(keyConfig, "", "Config file (yaml, toml or json)")
	f.String(keyDataDir, "./golana-data", "Data directory for the ledger and journal")
	f.String(keyLogLevel, "info", "Log level: debug, info, warn, error")
	f.String(keyAuthoritySeed, "authority", "Seed the local authority key is derived from")
	f.Int(keyArenaSize, heap.DefaultArenaSize, "Arena bytes held by memdump accounts")
	f.Uint64(keyComputeLimit, svm.CUDefault, "Compute units per transaction")
	f.Uint64(keyAirdropLamports, 100_000_000_000, "Lamports the authority is topped up to")

	if err := viper.BindPFlags(f); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("GOLANA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the optional config file. Flags and GOLANA_* variables
// take precedence over it.
func loadConfig() error {
	path := viper.GetString(keyConfig)
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func newLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(viper.GetString(keyLogLevel))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
