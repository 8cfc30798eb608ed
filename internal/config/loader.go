package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"hardaltrack/internal/logger"
	"hardaltrack/pkg/domain"
)

// Loader 读取 YAML 配置文件并监听变更
type Loader struct {
	path     string
	log      logger.Logger
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader 创建 Loader 并完成首次加载
func NewLoader(path string, l logger.Logger) (*Loader, error) {
	if l == nil {
		l = logger.NewNop()
	}
	ld := &Loader{path: path, log: l}
	cfg, err := ld.load()
	if err != nil {
		return nil, err
	}
	ld.current = cfg
	return ld, nil
}

// Config 当前配置
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange 注册配置重新加载后的回调
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch 在后台监听配置文件，变更后热加载；调用返回的 stop 结束监听。
// 监听的是所在目录，编辑器以改名方式保存时同样生效。
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.log.Warn("配置重新加载失败，继续使用旧配置", "path", l.path, "error", err.Error())
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn("配置监听出错", "error", err.Error())
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}, nil
}

// Reload 立即重新读取配置文件，校验失败时保留旧配置
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	l.log.Info("配置已重新加载", "path", l.path)
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.path, err)
	}
	return cfg, nil
}

// applyDefaults 补齐被显式写成零值的节奏参数
func applyDefaults(cfg *Config) {
	def := NewConfig()
	if cfg.Engine.NavigationDelayMS <= 0 {
		cfg.Engine.NavigationDelayMS = def.Engine.NavigationDelayMS
	}
	if cfg.Engine.FlushIntervalMS <= 0 {
		cfg.Engine.FlushIntervalMS = def.Engine.FlushIntervalMS
	}
	if cfg.Engine.BatchSize == 0 {
		cfg.Engine.BatchSize = def.Engine.BatchSize
	}
	if cfg.Engine.SendTimeoutMS <= 0 {
		cfg.Engine.SendTimeoutMS = def.Engine.SendTimeoutMS
	}
	if cfg.Tracker.RedactionMode == "" {
		cfg.Tracker.RedactionMode = domain.RedactionCoarse
	}
	if cfg.Sqlite.Dsn == "" {
		cfg.Sqlite.Dsn = def.Sqlite.Dsn
	}
}
