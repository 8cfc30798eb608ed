package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"hardaltrack/pkg/domain"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite  SqliteConfig  `yaml:"sqlite"`
	Log     LogConfig     `yaml:"log"`
	Browser BrowserConfig `yaml:"browser"`
	Metrics MetricsConfig `yaml:"metrics"`
	Engine  EngineConfig  `yaml:"engine"`

	Tracker domain.Config `yaml:"tracker"`

	// Commands 启动后按顺序回放的埋点命令
	Commands []Command `yaml:"commands"`
}

type SqliteConfig struct {
	Dsn    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

type LogConfig struct {
	Level  string   `yaml:"level"`
	Writer []string `yaml:"writer"`
	File   string   `yaml:"file"`
}

// BrowserConfig 被观察的浏览器
type BrowserConfig struct {
	DevToolsURL string `yaml:"devToolsURL"`
	Target      string `yaml:"target"`
}

// MetricsConfig Prometheus 暴露地址，为空时不启动
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// EngineConfig 引擎节奏参数，单位毫秒
type EngineConfig struct {
	NavigationDelayMS int `yaml:"navigationDelayMS"`
	FlushIntervalMS   int `yaml:"flushIntervalMS"`
	BatchSize         int `yaml:"batchSize"`
	SendTimeoutMS     int `yaml:"sendTimeoutMS"`
}

func (e EngineConfig) NavigationDelay() time.Duration {
	return time.Duration(e.NavigationDelayMS) * time.Millisecond
}

func (e EngineConfig) FlushInterval() time.Duration {
	return time.Duration(e.FlushIntervalMS) * time.Millisecond
}

func (e EngineConfig) SendTimeout() time.Duration {
	return time.Duration(e.SendTimeoutMS) * time.Millisecond
}

// Command 一条预置命令，与页面侧 hardal.q 中的条目对应
type Command struct {
	Method string `yaml:"method"`
	Args   []any  `yaml:"args"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Sqlite: SqliteConfig{
			Dsn:    "hardal.sqlite3",
			Prefix: "hardal_",
		},
		Log: LogConfig{
			Level:  "info",
			Writer: []string{"console"},
			File:   "logs/hardal.log",
		},
		Browser: BrowserConfig{
			DevToolsURL: "http://127.0.0.1:9222",
		},
		Engine: EngineConfig{
			NavigationDelayMS: 300,
			FlushIntervalMS:   2000,
			BatchSize:         10,
			SendTimeoutMS:     5000,
		},
		Tracker: domain.DefaultConfig(),
	}
}

// Validate 检查启动必需的配置项
func Validate(c *Config) error {
	var errs []error
	if strings.TrimSpace(c.Tracker.Website) == "" {
		errs = append(errs, errors.New("tracker.website is required"))
	}
	if c.Tracker.Destination() == "" {
		errs = append(errs, errors.New("tracker.hostUrl is required"))
	} else if !c.Tracker.ValidScheme() {
		errs = append(errs, fmt.Errorf("tracker.hostUrl %q must start with http:// or https://", c.Tracker.Destination()))
	}
	switch c.Tracker.RedactionMode {
	case "", domain.RedactionCoarse, domain.RedactionFine:
	default:
		errs = append(errs, fmt.Errorf("tracker.redactionMode %q must be coarse or fine", c.Tracker.RedactionMode))
	}
	if c.Engine.BatchSize < 0 {
		errs = append(errs, errors.New("engine.batchSize must not be negative"))
	}
	for i, cmd := range c.Commands {
		if cmd.Method == "" {
			errs = append(errs, fmt.Errorf("commands[%d].method is required", i))
		}
	}
	return errors.Join(errs...)
}
