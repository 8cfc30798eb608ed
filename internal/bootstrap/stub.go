// Package bootstrap 在引擎就绪前缓存埋点命令，就绪后按原顺序回放
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"hardaltrack/internal/engine"
	"hardaltrack/internal/logger"
	"hardaltrack/pkg/domain"
)

// 支持的命令
const (
	MethodInit          = "init"
	MethodTrack         = "track"
	MethodTrackPageview = "trackPageview"
	MethodConfigure     = "configure"
	MethodDistinct      = "distinct"
)

// Methods 对外暴露的命令列表
var Methods = []string{MethodInit, MethodTrack, MethodTrackPageview, MethodConfigure, MethodDistinct}

// Target 命令的最终执行者，*engine.Engine 即满足
type Target interface {
	Init(ctx context.Context) error
	Track(ctx context.Context, name string, data map[string]any) *engine.Outcome
	TrackPageview(ctx context.Context) *engine.Outcome
	Distinct(ctx context.Context, data map[string]any) *engine.Outcome
	Configure(ctx context.Context, p domain.ConfigPatch) error
}

var _ Target = (*engine.Engine)(nil)

type call struct {
	method string
	args   []any
}

// Stub 命令缓冲
type Stub struct {
	log    logger.Logger
	mu     sync.Mutex
	queue  []call
	target Target
}

func New(l logger.Logger) *Stub {
	if l == nil {
		l = logger.NewNop()
	}
	return &Stub{log: l}
}

// Call 记录或直接执行一条命令；未挂载目标时只入队
func (s *Stub) Call(ctx context.Context, method string, args ...any) error {
	s.mu.Lock()
	if s.target == nil {
		s.queue = append(s.queue, call{method: method, args: args})
		s.mu.Unlock()
		return nil
	}
	t := s.target
	s.mu.Unlock()
	return s.invoke(ctx, t, method, args)
}

// Pending 尚未回放的命令数
func (s *Stub) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Attach 挂载目标并按入队顺序回放；单条失败只记录日志，不影响后续命令
func (s *Stub) Attach(ctx context.Context, t Target) error {
	s.mu.Lock()
	if s.target != nil {
		s.mu.Unlock()
		return fmt.Errorf("bootstrap: target already attached")
	}
	s.target = t
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := s.invoke(ctx, t, c.method, c.args); err != nil {
			s.log.Warn("回放埋点命令失败", "method", c.method, "error", err.Error())
		}
	}
	s.log.Debug("埋点命令回放完成", "count", len(queued))
	return nil
}

func (s *Stub) invoke(ctx context.Context, t Target, method string, args []any) error {
	switch method {
	case MethodInit:
		if len(args) > 0 && args[0] != nil {
			p, err := patchArg(args[0])
			if err != nil {
				return err
			}
			if err := t.Configure(ctx, p); err != nil {
				return err
			}
		}
		return t.Init(ctx)
	case MethodTrack:
		if len(args) == 0 {
			return fmt.Errorf("track: event name is required")
		}
		name, ok := args[0].(string)
		if !ok || name == "" {
			return fmt.Errorf("track: event name must be a non-empty string, got %T", args[0])
		}
		data, err := dataArg(args, 1)
		if err != nil {
			return err
		}
		t.Track(ctx, name, data)
	case MethodTrackPageview:
		t.TrackPageview(ctx)
	case MethodConfigure:
		if len(args) == 0 {
			return fmt.Errorf("configure: options are required")
		}
		p, err := patchArg(args[0])
		if err != nil {
			return err
		}
		return t.Configure(ctx, p)
	case MethodDistinct:
		data, err := dataArg(args, 0)
		if err != nil {
			return err
		}
		t.Distinct(ctx, data)
	default:
		s.log.Warn("忽略未知的埋点命令", "method", method)
	}
	return nil
}

func dataArg(args []any, i int) (map[string]any, error) {
	if len(args) <= i || args[i] == nil {
		return nil, nil
	}
	if m, ok := args[i].(map[string]any); ok {
		return m, nil
	}
	var m map[string]any
	if err := convert(args[i], &m); err != nil {
		return nil, fmt.Errorf("event data must be an object: %w", err)
	}
	return m, nil
}

func patchArg(v any) (domain.ConfigPatch, error) {
	var p domain.ConfigPatch
	if err := convert(v, &p); err != nil {
		return p, fmt.Errorf("decode options: %w", err)
	}
	return p, nil
}

// convert 通过 JSON 在 YAML/JSON 解出的任意值与目标结构之间转换
func convert(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
