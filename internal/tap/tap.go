// Package tap 被动观察页面发出的资源请求，识别第三方分析格式并批量上报
package tap

import (
	"context"
	"errors"
	"sync"
	"time"

	"hardaltrack/internal/host"
	"hardaltrack/internal/identity"
	"hardaltrack/internal/logger"
	"hardaltrack/internal/metrics"
	"hardaltrack/internal/redact"
	"hardaltrack/pkg/domain"
	"hardaltrack/pkg/traffic"
)

const (
	DefaultCapacity      = 10
	DefaultFlushInterval = 2000 * time.Millisecond
)

// Dispatch 把一批记录交给投递队列；返回错误表示未能入队
type Dispatch func(ctx context.Context, data map[string]any) error

// Options 缓冲策略
type Options struct {
	Capacity      int
	FlushInterval time.Duration
	Classifiers   []Classifier
	Now           func() time.Time
}

// Tap 第三方请求采集器
type Tap struct {
	cfg      func() domain.Config
	ids      *identity.Generator
	dispatch Dispatch
	log      logger.Logger
	opts     Options

	mu       sync.Mutex
	buf      []Record
	attached bool
	stop     chan struct{}
	done     chan struct{}
	detaches []host.Detach
}

// New 创建采集器；cfg 每次观察时读取，保证 configure 之后立即生效
func New(cfg func() domain.Config, ids *identity.Generator, dispatch Dispatch, l logger.Logger, opts Options) *Tap {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Classifiers == nil {
		opts.Classifiers = []Classifier{GA4(), Pixel()}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tap{cfg: cfg, ids: ids, dispatch: dispatch, log: l, opts: opts}
}

// Attach 订阅资源请求与页面卸载，并启动定时刷新
func (t *Tap) Attach(ctx context.Context, res host.ResourceSource, unload host.UnloadSource) error {
	t.mu.Lock()
	if t.attached {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	var detaches []host.Detach
	d, err := res.ObserveResources(ctx, func(req *traffic.Request) {
		t.Observe(context.Background(), req)
	})
	if err != nil {
		return err
	}
	detaches = append(detaches, d)

	if unload != nil {
		d, err = unload.OnUnload(ctx, func() {
			t.log.Debug("页面卸载，刷新采集缓冲")
			t.Flush(context.Background())
		})
		if err != nil {
			for _, fn := range detaches {
				_ = fn()
			}
			return err
		}
		detaches = append(detaches, d)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.attached = true
	t.detaches = detaches
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(t.stop, t.done)
	t.log.Info("第三方请求采集已启动", "capacity", t.opts.Capacity, "interval", t.opts.FlushInterval.String())
	return nil
}

func (t *Tap) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Flush(context.Background())
		case <-stop:
			return
		}
	}
}

// Detach 停止定时器并撤销订阅，可重复调用；缓冲中的记录保留
func (t *Tap) Detach() error {
	t.mu.Lock()
	if !t.attached {
		t.mu.Unlock()
		return nil
	}
	t.attached = false
	stop, done, detaches := t.stop, t.done, t.detaches
	t.detaches = nil
	t.mu.Unlock()

	close(stop)
	<-done
	var errs []error
	for _, fn := range detaches {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	t.log.Info("第三方请求采集已停止")
	return errors.Join(errs...)
}

// Observe 处理一个资源请求；缓冲达到容量时立即刷新
func (t *Tap) Observe(ctx context.Context, req *traffic.Request) {
	if req == nil || req.Parsed() == nil {
		return
	}
	cfg := t.cfg()
	var matched []Classifier
	for _, c := range t.opts.Classifiers {
		if c.Enabled != nil && !c.Enabled(cfg) {
			continue
		}
		if c.Matches(req) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return
	}

	r := redact.New(redact.ParseMode(cfg.RedactionMode), "", t.log)
	var distinct string
	if t.ids != nil {
		distinct = t.ids.DistinctID(ctx, identity.ScopeTemporary)
	}
	now := t.opts.Now()
	records := make([]Record, 0, len(matched))
	for _, c := range matched {
		rec := c.Extract(req, r, now)
		rec.ServerDistinctID = distinct
		rec.OriginalURL = r.URL(req.URL, false, false)
		rec.QueryParams = r.QueryParams(req.Query)
		records = append(records, rec)
		metrics.VendorRecords.WithLabelValues(rec.Source).Inc()
	}

	t.mu.Lock()
	t.buf = append(t.buf, records...)
	full := len(t.buf) >= t.opts.Capacity
	t.mu.Unlock()

	t.log.Debug("捕获第三方请求", "source", records[0].Source, "url", records[0].OriginalURL)
	if full {
		t.Flush(ctx)
	}
}

// Flush 把缓冲区整体作为一个 network_batch 交给投递队列；空缓冲为空操作。
// 入队后立即清空缓冲，投递失败不会重新缓冲。
func (t *Tap) Flush(ctx context.Context) {
	t.mu.Lock()
	if len(t.buf) == 0 {
		t.mu.Unlock()
		return
	}
	events := t.buf
	t.buf = nil
	t.mu.Unlock()

	data := map[string]any{
		"events":          events,
		"batch_size":      len(events),
		"batch_timestamp": isoTime(t.opts.Now()),
	}
	if err := t.dispatch(ctx, data); err != nil {
		t.log.Err(err, "批量上报入队失败，记录放回缓冲", "count", len(events))
		t.mu.Lock()
		t.buf = append(events, t.buf...)
		t.mu.Unlock()
	}
}

// Len 当前缓冲记录数
func (t *Tap) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}
