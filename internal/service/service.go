// Package service 管理进程内的埋点会话：附加页面、创建引擎、转发调用
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"hardaltrack/internal/cdp"
	"hardaltrack/internal/engine"
	"hardaltrack/internal/host"
	"hardaltrack/internal/logger"
	"hardaltrack/internal/session"
	"hardaltrack/pkg/domain"
)

// DefaultDrainTimeout 停止会话时等待投递队列排空的上限
const DefaultDrainTimeout = 5 * time.Second

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("session not found")

// Dialer 为会话建立宿主；返回值实现 io.Closer 时停止会话会关闭它
type Dialer func(ctx context.Context, cfg domain.SessionConfig, l logger.Logger) (host.Host, error)

// TargetLister 列出可附加的页面
type TargetLister func(ctx context.Context, devtoolsURL string) ([]domain.TargetInfo, error)

// Options 服务依赖
type Options struct {
	Dial          Dialer
	ListTargets   TargetLister
	EngineOptions []engine.Option
	DrainTimeout  time.Duration
	// BeforeInit 引擎创建后、Init 之前调用，用于回放启动前排队的命令
	BeforeInit func(ctx context.Context, eng *engine.Engine) error
}

type entry struct {
	eng    *engine.Engine
	host   host.Host
	target domain.TargetID
}

// Service 会话服务
type Service struct {
	log  logger.Logger
	mgr  *session.Manager
	opts Options

	mu      sync.RWMutex
	entries map[domain.SessionID]*entry
}

// New 创建服务；未指定 Dial/ListTargets 时使用 CDP 实现
func New(l logger.Logger, opts Options) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = DialCDP
	}
	if opts.ListTargets == nil {
		opts.ListTargets = cdp.ListTargets
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Service{
		log:     l,
		mgr:     session.NewManager(l),
		opts:    opts,
		entries: make(map[domain.SessionID]*entry),
	}
}

// DialCDP 通过 DevTools 连接 cfg 指定的页面
func DialCDP(ctx context.Context, cfg domain.SessionConfig, l logger.Logger) (host.Host, error) {
	return cdp.Dial(ctx, cfg.DevToolsURL, cfg.Target, l)
}

// StartSession 附加页面并初始化一个埋点引擎
func (s *Service) StartSession(ctx context.Context, cfg domain.SessionConfig) (domain.SessionID, error) {
	h, err := s.opts.Dial(ctx, cfg, s.log)
	if err != nil {
		return "", fmt.Errorf("attach target: %w", err)
	}
	target := cfg.Target
	if t, ok := h.(interface{ Target() domain.TargetID }); ok {
		target = t.Target()
	}

	sess := s.mgr.Create("")
	opts := append([]engine.Option{
		engine.WithLogger(s.log),
		engine.WithSession(sess),
	}, s.opts.EngineOptions...)
	eng, err := engine.New(cfg.Tracker, h, opts...)
	if err != nil {
		_ = s.mgr.Delete(sess.ID)
		closeHost(h)
		return "", err
	}
	if s.opts.BeforeInit != nil {
		if err := s.opts.BeforeInit(ctx, eng); err != nil {
			_ = eng.Destroy()
			_ = s.mgr.Delete(sess.ID)
			closeHost(h)
			return "", fmt.Errorf("prepare engine: %w", err)
		}
	}
	if err := eng.Init(ctx); err != nil {
		_ = s.mgr.Delete(sess.ID)
		closeHost(h)
		return "", fmt.Errorf("init engine: %w", err)
	}

	s.mu.Lock()
	s.entries[sess.ID] = &entry{eng: eng, host: h, target: target}
	s.mu.Unlock()
	s.log.Info("埋点会话已启动", "sessionID", string(sess.ID), "target", string(target))
	return sess.ID, nil
}

// StopSession 销毁引擎、等待投递排空并断开页面
func (s *Service) StopSession(ctx context.Context, id domain.SessionID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	var errs []error
	if err := e.eng.Destroy(); err != nil {
		errs = append(errs, err)
	}
	wctx, cancel := context.WithTimeout(ctx, s.opts.DrainTimeout)
	defer cancel()
	if err := e.eng.Wait(wctx); err != nil {
		s.log.Warn("投递队列未在超时前排空", "sessionID", string(id), "pending", err.Error())
	}
	if err := s.mgr.Delete(id); err != nil {
		errs = append(errs, err)
	}
	closeHost(e.host)
	s.log.Info("埋点会话已停止", "sessionID", string(id))
	return errors.Join(errs...)
}

// Close 停止全部会话
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	for _, st := range s.Sessions() {
		if err := s.StopSession(ctx, st.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListTargets 列出浏览器中的页面
func (s *Service) ListTargets(ctx context.Context, devtoolsURL string) ([]domain.TargetInfo, error) {
	return s.opts.ListTargets(ctx, devtoolsURL)
}

// Engine 取会话对应的引擎
func (s *Service) Engine(id domain.SessionID) (*engine.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.eng, nil
}

func (s *Service) Track(ctx context.Context, id domain.SessionID, name string, data map[string]any) (*engine.Outcome, error) {
	eng, err := s.Engine(id)
	if err != nil {
		return nil, err
	}
	return eng.Track(ctx, name, data), nil
}

func (s *Service) TrackPageview(ctx context.Context, id domain.SessionID) (*engine.Outcome, error) {
	eng, err := s.Engine(id)
	if err != nil {
		return nil, err
	}
	return eng.TrackPageview(ctx), nil
}

func (s *Service) Distinct(ctx context.Context, id domain.SessionID, data map[string]any) (*engine.Outcome, error) {
	eng, err := s.Engine(id)
	if err != nil {
		return nil, err
	}
	return eng.Distinct(ctx, data), nil
}

func (s *Service) Configure(ctx context.Context, id domain.SessionID, p domain.ConfigPatch) error {
	eng, err := s.Engine(id)
	if err != nil {
		return err
	}
	return eng.Configure(ctx, p)
}

// ConfigureAll 把同一份覆盖应用到全部会话（配置热加载）
func (s *Service) ConfigureAll(ctx context.Context, p domain.ConfigPatch) error {
	s.mu.RLock()
	engines := make([]*engine.Engine, 0, len(s.entries))
	for _, e := range s.entries {
		engines = append(engines, e.eng)
	}
	s.mu.RUnlock()

	var errs []error
	for _, eng := range engines {
		if err := eng.Configure(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sessions 全部会话的状态快照，按 ID 排序
func (s *Service) Sessions() []domain.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SessionStatus, 0, len(s.entries))
	for id, e := range s.entries {
		st := e.eng.Session().Status()
		st.ID = id
		st.Target = e.target
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func closeHost(h host.Host) {
	if c, ok := h.(io.Closer); ok {
		_ = c.Close()
	}
}
