package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/deskwatch/internal/config"
	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time
var Version = "dev"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "deskwatch",
		Short: "deskwatch - desktop activity watcher for ActivityWatch",
		Long: `deskwatch observes which window is focused and whether you are away
from the keyboard, and reports the activity to an ActivityWatch server.

Supported desktops:
  • X11 window managers (screensaver extension + EWMH)
  • GNOME on Wayland (Mutter idle monitor + GNOME Shell)
  • KDE Plasma on Wayland (KWin script + freedesktop screensaver)

Run without a subcommand to start watching.`,
		SilenceUsage: true,
		RunE:         runWatch,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/deskwatch/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "", "desktop backend (auto, x11, gnome, kwin)")
	rootCmd.PersistentFlags().String("server-url", "", "ActivityWatch API base URL")
	rootCmd.PersistentFlags().String("status-addr", "", "listen address of the status server, e.g. 127.0.0.1:5700")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server-url"))
	viper.BindPFlag("status_addr", rootCmd.PersistentFlags().Lookup("status-addr"))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig reads the config file, applies flag overrides and sets up logging
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	cfg := configMgr.Get()
	applyOverrides(viper.GetViper(), cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, cfg, nil
}

// applyOverrides copies flag values that were set on the command line
func applyOverrides(v *viper.Viper, cfg *config.Config) {
	override := func(key string, dst *string) {
		if v.IsSet(key) {
			if val := v.GetString(key); val != "" {
				*dst = val
			}
		}
	}
	override("log_level", &cfg.LogLevel)
	override("backend", &cfg.Backend)
	override("server_url", &cfg.ServerURL)
	override("status_addr", &cfg.StatusAddr)
}
