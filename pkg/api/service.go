package api

import (
	"context"

	"hardaltrack/internal/engine"
	"hardaltrack/internal/logger"
	"hardaltrack/internal/service"
	"hardaltrack/pkg/domain"
)

// Service 服务接口
type Service interface {
	// StartSession 附加页面并启动埋点
	StartSession(ctx context.Context, cfg domain.SessionConfig) (domain.SessionID, error)

	// StopSession 停止埋点并断开页面
	StopSession(ctx context.Context, id domain.SessionID) error

	// ListTargets 列出浏览器中的页面
	ListTargets(ctx context.Context, devtoolsURL string) ([]domain.TargetInfo, error)

	// Engine 会话对应的引擎
	Engine(id domain.SessionID) (*engine.Engine, error)

	// Track 记录自定义事件
	Track(ctx context.Context, id domain.SessionID, name string, data map[string]any) (*engine.Outcome, error)

	// TrackPageview 记录 page_view
	TrackPageview(ctx context.Context, id domain.SessionID) (*engine.Outcome, error)

	// Distinct 上报身份关联
	Distinct(ctx context.Context, id domain.SessionID, data map[string]any) (*engine.Outcome, error)

	// Configure 修改单个会话的配置
	Configure(ctx context.Context, id domain.SessionID, p domain.ConfigPatch) error

	// ConfigureAll 修改全部会话的配置
	ConfigureAll(ctx context.Context, p domain.ConfigPatch) error

	// Sessions 会话状态
	Sessions() []domain.SessionStatus

	// Close 停止全部会话
	Close(ctx context.Context) error
}

// NewService 创建并返回服务接口实现
func NewService(l logger.Logger, opts service.Options) Service {
	return service.New(l, opts)
}
