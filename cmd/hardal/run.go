package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"hardaltrack/internal/bootstrap"
	"hardaltrack/internal/config"
	"hardaltrack/internal/engine"
	"hardaltrack/internal/service"
	"hardaltrack/internal/storage"
	"hardaltrack/pkg/api"
	"hardaltrack/pkg/domain"
)

const shutdownTimeout = 5 * time.Second

// RunOptions run 命令参数
type RunOptions struct {
	*RootOptions
	Target      string
	DevToolsURL string
	NoJournal   bool
}

// NewRunCommand 附加到页面并持续埋点，直到收到退出信号
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach to a browser tab and instrument it",
		Long: `Attach to a page over the DevTools protocol, initialize the tracker,
replay the configured commands and keep tracking until interrupted.

Examples:
  hardal run --config hardal.yaml
  hardal run --config hardal.yaml --target 9A1E5C...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTracker(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Target, "target", "", "page target ID (default: first page)")
	cmd.Flags().StringVar(&opts.DevToolsURL, "devtools", "", "override browser.devToolsURL")
	cmd.Flags().BoolVar(&opts.NoJournal, "no-journal", false, "do not write the delivery journal")
	return cmd
}

func runTracker(parent context.Context, opts *RunOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	loader, err := opts.loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Config()
	log := opts.newLogger(cfg)

	engineOpts := []engine.Option{
		engine.WithNavigationDelay(cfg.Engine.NavigationDelay()),
		engine.WithFlushInterval(cfg.Engine.FlushInterval()),
		engine.WithBatchSize(cfg.Engine.BatchSize),
		engine.WithSendTimeout(cfg.Engine.SendTimeout()),
	}
	if !opts.NoJournal {
		journal, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, log)
		if err != nil {
			return err
		}
		defer journal.Close()
		engineOpts = append(engineOpts, engine.WithRecorder(journal))
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("指标服务已启动", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Err(err, "指标服务异常退出")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	// 预置命令先进入 stub 队列，引擎创建后、初始化前按原顺序回放
	stub := bootstrap.New(log)
	for _, c := range cfg.Commands {
		_ = stub.Call(parent, c.Method, c.Args...)
	}

	svc := api.NewService(log, service.Options{
		EngineOptions: engineOpts,
		DrainTimeout:  shutdownTimeout,
		BeforeInit: func(ctx context.Context, eng *engine.Engine) error {
			return stub.Attach(ctx, eng)
		},
	})

	devtools := cfg.Browser.DevToolsURL
	if opts.DevToolsURL != "" {
		devtools = opts.DevToolsURL
	}
	target := cfg.Browser.Target
	if opts.Target != "" {
		target = opts.Target
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := svc.StartSession(ctx, domain.SessionConfig{
		DevToolsURL: devtools,
		Target:      domain.TargetID(target),
		Tracker:     cfg.Tracker,
	})
	if err != nil {
		return err
	}

	loader.OnChange(func(next *config.Config) {
		if err := svc.ConfigureAll(context.Background(), domain.PatchFrom(next.Tracker)); err != nil {
			log.Warn("热加载的埋点配置无效，已忽略", "error", err.Error())
			return
		}
		log.Info("埋点配置已热加载")
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		log.Warn("配置监听不可用，热加载已关闭", "error", err.Error())
	} else {
		defer stopWatch()
	}

	log.Info("埋点运行中", "sessionID", string(id), "devtools", devtools)
	<-ctx.Done()
	log.Info("正在停止埋点")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Close(shutCtx); err != nil {
		return fmt.Errorf("stop sessions: %w", err)
	}
	return nil
}
