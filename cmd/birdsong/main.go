package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/christian-lee/birdsong/internal/config"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "birdsong",
	Short: "Field listening station for Chilean bird song",
	Long: `birdsong captures audio from a microphone, line input or file, splits each
spectrum frame into low, mid and high bands, and matches the band profile
against a table of species signatures. Detections are logged per session,
archived in SQLite, streamed to a web panel and exported as CSV.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(listenCmd, classifyCmd, exportCmd, convertCmd, sessionsCmd, signaturesCmd)
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})))
	return nil
}

// useDefaults reports whether the default config file is absent. An explicit
// --config must exist.
func useDefaults(cmd *cobra.Command) bool {
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) && !cmd.Flags().Changed("config") {
		slog.Debug("no config file, using defaults", "path", cfgPath)
		return true
	}
	return false
}

// loadConfig falls back to defaults when the default config file is absent.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if useDefaults(cmd) {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// loadHotConfig is loadConfig for long-running commands: with defaults the
// file is still watched, so creating it later applies it.
func loadHotConfig(cmd *cobra.Command) (*config.HotConfig, error) {
	if useDefaults(cmd) {
		return config.NewHotConfigFrom(cfgPath, config.Default()), nil
	}
	hc, err := config.NewHotConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return hc, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("birdsong failed", "err", err)
		os.Exit(1)
	}
}
