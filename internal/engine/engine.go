// Package engine 组合脱敏、标识、载荷、投递队列、导航拦截与第三方采集，
// 对外提供单个页面的埋点实例。
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hardaltrack/internal/host"
	"hardaltrack/internal/identity"
	"hardaltrack/internal/logger"
	"hardaltrack/internal/metrics"
	"hardaltrack/internal/navigation"
	"hardaltrack/internal/payload"
	"hardaltrack/internal/queue"
	"hardaltrack/internal/redact"
	"hardaltrack/internal/session"
	"hardaltrack/internal/tap"
	"hardaltrack/internal/transport"
	"hardaltrack/pkg/domain"
)

// 构造期配置错误，是引擎唯一向调用方抛出的错误类别
var (
	ErrMissingWebsite  = errors.New("website is required")
	ErrMissingEndpoint = errors.New("hostUrl is required")
)

// Outcome 一次埋点调用的结果句柄
type Outcome = queue.Outcome[domain.SendResult]

// Engine 单个页面的埋点实例
type Engine struct {
	host    host.Host
	sess    *session.Session
	log     logger.Logger
	opts    options
	ids     *identity.Generator
	builder *payload.Builder
	client  *transport.Client
	queue   *queue.Queue[domain.SendResult]
	nav     *navigation.Interceptor
	tap     *tap.Tap

	mu        sync.RWMutex
	cfg       domain.Config
	destroyed bool

	lifecycle sync.Mutex
}

var _ navigation.Tracker = (*Engine)(nil)

// Validate 检查必填项
func Validate(cfg domain.Config) error {
	if strings.TrimSpace(cfg.Website) == "" {
		return ErrMissingWebsite
	}
	if cfg.Destination() == "" {
		return ErrMissingEndpoint
	}
	return nil
}

// New 创建引擎；缺少 website 或上报地址时立即失败
func New(cfg domain.Config, h host.Host, opts ...Option) (*Engine, error) {
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if h == nil {
		return nil, errors.New("engine: host is required")
	}
	if cfg.RedactionMode == "" {
		cfg.RedactionMode = domain.RedactionCoarse
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	sess := o.sess
	if sess == nil {
		sess = session.New(domain.SessionID(uuid.NewString()))
	}
	l := o.log.With("sessionID", string(sess.ID))

	e := &Engine{
		host: h,
		sess: sess,
		log:  l,
		opts: o,
		cfg:  cfg,
	}
	e.ids = identity.New(h, l).WithClock(o.now)
	e.builder = payload.New(e.ids, sess, l).WithClock(o.now)
	e.client = transport.New(o.httpClient, o.sendTimeout, l)
	e.queue = queue.New[domain.SendResult](l)
	e.nav = navigation.New(sess, e, l, navigation.Options{
		Delay:     o.navigationDelay,
		AutoTrack: func() bool { return e.Config().AutoTrack },
		Normalize: e.normalize,
	})
	e.tap = tap.New(e.Config, e.ids, e.dispatchBatch, l, tap.Options{
		Capacity:      o.batchSize,
		FlushInterval: o.flushInterval,
		Now:           o.now,
	})
	return e, nil
}

// Init 挂载导航拦截与第三方采集；autoTrack 开启时发送首个 pageview。重复调用无副作用。
func (e *Engine) Init(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.sess.Initialized() {
		return nil
	}

	e.mu.Lock()
	e.destroyed = false
	e.mu.Unlock()

	if st, err := e.host.State(ctx); err != nil {
		e.log.Warn("读取初始页面状态失败", "error", err.Error())
	} else {
		e.sess.SetCurrentURL(e.normalize(st.Href))
		if e.sess.Title() == "" {
			e.sess.SetTitle(st.Title)
		}
	}

	if err := e.nav.Attach(ctx, e.host); err != nil {
		return fmt.Errorf("attach navigation: %w", err)
	}
	e.sess.Defer(e.nav.Detach)

	if e.Config().CaptureEnabled() {
		if err := e.tap.Attach(ctx, e.host, e.host); err != nil {
			_ = e.sess.Cleanup()
			return fmt.Errorf("attach network tap: %w", err)
		}
	}
	e.sess.Defer(e.stopTap)

	e.sess.SetInitialized(true)
	metrics.ActiveSessions.Inc()
	e.log.Info("埋点引擎已初始化", "website", e.Config().Website, "autoTrack", e.Config().AutoTrack)

	if e.Config().AutoTrack {
		e.TrackPageview(ctx)
	}
	return nil
}

// Destroy 撤销全部订阅并刷新剩余的第三方记录，可重复调用
func (e *Engine) Destroy() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if !e.sess.Initialized() {
		return nil
	}
	err := e.sess.Cleanup()

	e.mu.Lock()
	e.destroyed = true
	e.mu.Unlock()
	e.sess.SetInitialized(false)
	metrics.ActiveSessions.Dec()
	e.log.Info("埋点引擎已销毁")
	return err
}

func (e *Engine) stopTap() error {
	err := e.tap.Detach()
	e.tap.Flush(context.Background())
	return err
}

// Track 记录一个自定义事件；data 在调用时即被固化
func (e *Engine) Track(ctx context.Context, name string, data map[string]any) *Outcome {
	out, err := e.track(ctx, name, data)
	if err != nil {
		return queue.Rejected[domain.SendResult](err)
	}
	return out
}

// track 只有读取页面状态失败时返回错误，其余情况都得到一个 Outcome
func (e *Engine) track(ctx context.Context, name string, data map[string]any) (*Outcome, error) {
	cfg := e.Config()
	if reason := e.preflight(cfg); reason != "" {
		return e.skip(name, domain.WireTypeEvent, reason), nil
	}
	st, err := e.host.State(ctx)
	if err != nil {
		e.log.Err(err, "读取页面状态失败", "event", name)
		return nil, fmt.Errorf("read page state: %w", err)
	}
	if reason := e.pageSuppression(cfg, st); reason != "" {
		return e.skip(name, domain.WireTypeEvent, reason), nil
	}

	env := e.builder.BuildEnvelope(ctx, st, cfg, name, data)
	return e.enqueue(domain.WireRequest{Type: domain.WireTypeEvent, Payload: env, EventName: name}), nil
}

// TrackPageview 记录一次 page_view
func (e *Engine) TrackPageview(ctx context.Context) *Outcome {
	metrics.Pageviews.Inc()
	return e.Track(ctx, domain.EventPageview, nil)
}

// Distinct 上报一次身份关联，标识使用会话命名空间
func (e *Engine) Distinct(ctx context.Context, data map[string]any) *Outcome {
	cfg := e.Config()
	if reason := e.preflight(cfg); reason != "" {
		return e.skip(domain.EventIdentify, domain.WireTypeIdentify, reason)
	}
	st, err := e.host.State(ctx)
	if err != nil {
		e.log.Err(err, "读取页面状态失败", "event", domain.EventIdentify)
		return queue.Rejected[domain.SendResult](fmt.Errorf("read page state: %w", err))
	}
	if reason := e.pageSuppression(cfg, st); reason != "" {
		return e.skip(domain.EventIdentify, domain.WireTypeIdentify, reason)
	}

	p := e.builder.BuildIdentify(ctx, st, cfg, data)
	return e.enqueue(domain.WireRequest{Type: domain.WireTypeIdentify, Payload: p, EventName: domain.EventIdentify})
}

// Configure 浅合并配置；合并结果无效时保持原配置并返回错误
func (e *Engine) Configure(ctx context.Context, p domain.ConfigPatch) error {
	e.mu.Lock()
	next := e.cfg.Merge(p)
	if err := Validate(next); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("configure: %w", err)
	}
	if next.RedactionMode == "" {
		next.RedactionMode = domain.RedactionCoarse
	}
	e.cfg = next
	e.mu.Unlock()
	e.log.Info("埋点配置已更新", "website", next.Website, "capture", next.CaptureEnabled())

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if !e.sess.Initialized() {
		return nil
	}
	if next.CaptureEnabled() {
		return e.tap.Attach(ctx, e.host, e.host)
	}
	return e.stopTap()
}

// Config 当前配置的副本
func (e *Engine) Config() domain.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.cfg
	c.Domains = append([]string(nil), e.cfg.Domains...)
	return c
}

// Session 引擎私有的会话状态
func (e *Engine) Session() *session.Session { return e.sess }

// Wait 等待投递队列排空
func (e *Engine) Wait(ctx context.Context) error { return e.queue.Wait(ctx) }

// preflight 不依赖页面状态的抑制条件
func (e *Engine) preflight(cfg domain.Config) string {
	e.mu.RLock()
	destroyed := e.destroyed
	e.mu.RUnlock()
	switch {
	case destroyed:
		return domain.ReasonDestroyed
	case cfg.Disabled || e.sess.Disabled():
		return domain.ReasonDisabled
	case !cfg.ValidScheme():
		e.log.Warn("上报地址必须以 http:// 或 https:// 开头，已跳过发送", "hostUrl", cfg.Destination())
		return domain.ReasonInvalidEndpoint
	}
	return ""
}

func (e *Engine) pageSuppression(cfg domain.Config, st host.PageState) string {
	if cfg.DoNotTrack && st.DoNotTrack {
		return domain.ReasonDoNotTrack
	}
	if len(cfg.Domains) > 0 {
		u, err := url.Parse(st.Href)
		if err != nil || !cfg.DomainAllowed(u.Hostname()) {
			return domain.ReasonDomainNotAllowed
		}
	}
	return ""
}

func (e *Engine) skip(name, typ, reason string) *Outcome {
	e.log.Debug("跳过发送", "event", name, "reason", reason)
	metrics.Suppressed.WithLabelValues(reason).Inc()
	e.report(context.Background(), domain.DeliveryReport{
		EventName: name,
		Type:      typ,
		Status:    domain.DeliverySkipped,
		Reason:    reason,
	})
	return queue.Resolved(domain.SendResult{EventName: name, Skipped: true, Reason: reason})
}

func (e *Engine) enqueue(req domain.WireRequest) *Outcome {
	metrics.EventsEnqueued.WithLabelValues(req.Type).Inc()
	return e.queue.Enqueue(func(ctx context.Context) (domain.SendResult, error) {
		return e.send(ctx, req)
	})
}

// send 在队列中执行；执行时再次检查服务端禁用指令
func (e *Engine) send(ctx context.Context, req domain.WireRequest) (domain.SendResult, error) {
	if e.sess.Disabled() {
		metrics.Suppressed.WithLabelValues(domain.ReasonDisabled).Inc()
		e.report(ctx, domain.DeliveryReport{EventName: req.EventName, Type: req.Type, Status: domain.DeliverySkipped, Reason: domain.ReasonDisabled})
		return domain.SendResult{EventName: req.EventName, Skipped: true, Reason: domain.ReasonDisabled}, nil
	}

	dest := e.Config().Destination()
	start := time.Now()
	resp, status, err := e.client.Send(ctx, dest, e.sess, req)
	elapsed := time.Since(start)
	metrics.DeliveryDuration.Observe(float64(elapsed.Milliseconds()))

	rep := domain.DeliveryReport{
		EventName:  req.EventName,
		Type:       req.Type,
		HTTPStatus: status,
		Duration:   elapsed,
	}
	if err != nil {
		e.log.Warn("事件发送失败", "event", req.EventName, "status", status, "error", err.Error())
		rep.Status = domain.DeliveryFailed
		rep.Error = err.Error()
		e.report(ctx, rep)
		return domain.SendResult{EventName: req.EventName, Status: status}, err
	}
	rep.Status = domain.DeliverySent
	e.report(ctx, rep)
	e.log.Debug("事件已发送", "event", req.EventName, "status", status)
	return domain.SendResult{
		EventName: req.EventName,
		Status:    status,
		Response:  resp,
		SentAt:    e.opts.now(),
	}, nil
}

func (e *Engine) report(ctx context.Context, r domain.DeliveryReport) {
	metrics.Deliveries.WithLabelValues(r.Status).Inc()
	if e.opts.recorder == nil {
		return
	}
	r.Session = e.sess.ID
	if r.At.IsZero() {
		r.At = e.opts.now()
	}
	if err := e.opts.recorder.Record(ctx, r); err != nil {
		e.log.Err(err, "写入投递日志失败", "event", r.EventName)
	}
}

// dispatchBatch 第三方采集缓冲的出口；未能入队时返回错误，由缓冲保留记录
func (e *Engine) dispatchBatch(ctx context.Context, data map[string]any) error {
	_, err := e.track(ctx, domain.EventNetworkBatch, data)
	return err
}

// normalize 导航比较使用的脱敏地址
func (e *Engine) normalize(raw string) string {
	cfg := e.Config()
	return redact.New(redact.ParseMode(cfg.RedactionMode), raw, e.log).URL(raw, cfg.ExcludeSearch, cfg.ExcludeHash)
}
