package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/orchard/internal/config"
	"github.com/zjrosen/orchard/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "orchard",
	Short:   "A control plane for fleets of coding agents in git worktrees",
	Long:    `Orchard supervises sandboxed coding agents, one per git worktree, with a PTY daemon for interactive sessions and an orchestrator loop that schedules work across them.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .orchard/config.yaml, then ~/.config/orchard/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: ORCHARD_DEBUG=1)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("daemon_addr", defaults.DaemonAddr)
	viper.SetDefault("log_file", defaults.LogFile)
	viper.SetDefault("trace_file", defaults.TraceFile)
	viper.SetDefault("orchestrator.model", defaults.Orchestrator.Model)
	viper.SetDefault("orchestrator.tick_interval_ms", defaults.Orchestrator.TickIntervalMs)
	viper.SetDefault("orchestrator.enabled", defaults.Orchestrator.Enabled)
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.print_args", defaults.Agent.PrintArgs)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .orchard/config.yaml (current directory)
		// 2. ~/.config/orchard/config.yaml (user config)
		if _, err := os.Stat(".orchard/config.yaml"); err == nil {
			viper.SetConfigFile(".orchard/config.yaml")
		} else if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "orchard"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	viper.SetEnvPrefix("ORCHARD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config:", viper.ConfigFileUsed())
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	if debugFlag || os.Getenv("ORCHARD_DEBUG") == "1" {
		logPath := cfg.LogFile
		if logPath == "" {
			logPath = "orchard-debug.log"
		}
		if _, err := log.Init(logPath); err != nil {
			fmt.Fprintln(os.Stderr, "log init failed:", err)
		}
	} else if cfg.LogFile != "" {
		if _, err := log.Init(cfg.LogFile); err != nil {
			fmt.Fprintln(os.Stderr, "log init failed:", err)
		} else {
			log.SetMinLevel(log.LevelInfo)
		}
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
