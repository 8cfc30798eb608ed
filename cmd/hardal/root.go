package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hardaltrack/internal/config"
	"hardaltrack/internal/logger"
)

// RootOptions 全局参数
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand 创建 hardal 根命令
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "hardal",
		Short:         "Hardal analytics instrumentation over the Chrome DevTools Protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "hardal.yaml", "path to the YAML config")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTargetsCommand(opts))
	cmd.AddCommand(NewRedactCommand(opts))
	cmd.AddCommand(NewJournalCommand(opts))
	return cmd
}

// loadConfig 读取配置文件
func (o *RootOptions) loadConfig() (*config.Loader, error) {
	ld, err := config.NewLoader(o.ConfigPath, nil)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return ld, nil
}

// newLogger 按配置创建日志器
func (o *RootOptions) newLogger(cfg *config.Config) logger.Logger {
	level := cfg.Log.Level
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	return logger.New(logger.Options{
		Level:   level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
	})
}
