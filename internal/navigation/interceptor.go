// Package navigation 把宿主的导航、标题与点击事件转换为埋点调用。
//
// 拦截器只依赖 host.NavigationSource 送达的"导航到 URL X"事件，
// 不关心事件来自 history 补丁、框架路由还是测试替身。
package navigation

import (
	"context"
	"strings"
	"sync"
	"time"

	"hardaltrack/internal/host"
	"hardaltrack/internal/logger"
	"hardaltrack/internal/queue"
	"hardaltrack/internal/session"
	"hardaltrack/pkg/domain"
)

const (
	// DefaultDelay push/replace 后等待宿主完成自身副作用再采集上下文
	DefaultDelay = 300 * time.Millisecond
	// MaxAncestorDepth 点击目标向上查找标记的最大层数
	MaxAncestorDepth = 10
	// DefaultResumeTimeout 延迟跳转最多等待埋点结果的时间
	DefaultResumeTimeout = 6 * time.Second
)

// 点击埋点属性
const (
	MarkerAttr = "data-hardal-event"
	DataPrefix = MarkerAttr + "-"
)

// Tracker 拦截器产生的埋点调用
type Tracker interface {
	TrackPageview(ctx context.Context) *queue.Outcome[domain.SendResult]
	Track(ctx context.Context, name string, data map[string]any) *queue.Outcome[domain.SendResult]
}

// Options 拦截器参数
type Options struct {
	Delay         time.Duration
	ResumeTimeout time.Duration
	// AutoTrack 是否处于自动采集（非框架）模式，每次事件时读取
	AutoTrack func() bool
	// Normalize 把原始地址转换为用于比较的脱敏地址
	Normalize func(raw string) string
}

// Interceptor 导航拦截器
type Interceptor struct {
	sess    *session.Session
	tracker Tracker
	log     logger.Logger
	opts    Options

	mu       sync.Mutex
	attached bool
	gen      uint64
	detach   host.Detach
	timers   map[*time.Timer]struct{}
}

var _ host.NavigationObserver = (*Interceptor)(nil)

// New 创建拦截器
func New(sess *session.Session, tracker Tracker, l logger.Logger, opts Options) *Interceptor {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = DefaultResumeTimeout
	}
	if opts.AutoTrack == nil {
		opts.AutoTrack = func() bool { return true }
	}
	if opts.Normalize == nil {
		opts.Normalize = func(raw string) string { return raw }
	}
	return &Interceptor{
		sess:    sess,
		tracker: tracker,
		log:     l,
		opts:    opts,
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Attach 订阅导航事件，重复调用无副作用
func (i *Interceptor) Attach(ctx context.Context, src host.NavigationSource) error {
	i.mu.Lock()
	if i.attached {
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()

	d, err := src.ObserveNavigation(ctx, i)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.attached = true
	i.gen++
	i.detach = d
	i.log.Debug("导航拦截已挂载")
	return nil
}

// Detach 撤销订阅并取消尚未触发的 pageview，可重复调用
func (i *Interceptor) Detach() error {
	i.mu.Lock()
	if !i.attached {
		i.mu.Unlock()
		return nil
	}
	i.attached = false
	i.gen++
	for t := range i.timers {
		t.Stop()
		delete(i.timers, t)
	}
	d := i.detach
	i.detach = nil
	i.mu.Unlock()

	i.log.Debug("导航拦截已卸载")
	if d != nil {
		return d()
	}
	return nil
}

// OnNavigate 处理一次导航
func (i *Interceptor) OnNavigate(ev host.NavigationEvent) {
	next := i.opts.Normalize(ev.URL)
	switch ev.Kind {
	case host.NavigationPop:
		i.sess.Navigate(next)
		if i.opts.AutoTrack() {
			i.tracker.TrackPageview(context.Background())
		}
	default:
		if !i.sess.Navigate(next) {
			return
		}
		i.schedule()
	}
}

func (i *Interceptor) schedule() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.attached {
		return
	}
	gen := i.gen
	var t *time.Timer
	t = time.AfterFunc(i.opts.Delay, func() {
		i.mu.Lock()
		_, pending := i.timers[t]
		delete(i.timers, t)
		live := pending && i.attached && i.gen == gen
		i.mu.Unlock()
		if live {
			i.tracker.TrackPageview(context.Background())
		}
	})
	i.timers[t] = struct{}{}
}

// OnTitle 记录最终渲染的标题，供后续事件使用
func (i *Interceptor) OnTitle(title string) {
	i.sess.SetTitle(strings.TrimSpace(title))
}

// OnClick 处理一次点击
func (i *Interceptor) OnClick(ev host.ClickEvent) {
	if !i.opts.AutoTrack() {
		i.resume(ev, nil)
		return
	}
	_, el := FindTracked(ev.Path)
	if el == nil {
		i.resume(ev, nil)
		return
	}
	name := el.Attrs[MarkerAttr]
	out := i.tracker.Track(context.Background(), name, ParseEventData(el.Attrs))

	anchor, isLink := nearestAnchor(ev.Path)
	if !isLink || IsExternal(ev, anchor) {
		i.resume(ev, nil)
		return
	}
	i.resume(ev, out)
}

// resume 继续被页面暂停的同页跳转；out 非 nil 时先等待埋点结果
func (i *Interceptor) resume(ev host.ClickEvent, out *queue.Outcome[domain.SendResult]) {
	if ev.Resume == nil {
		return
	}
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), i.opts.ResumeTimeout)
		defer cancel()
		if out != nil {
			select {
			case <-out.Done():
			case <-ctx.Done():
				i.log.Warn("等待埋点结果超时，继续跳转")
			}
		}
		if err := ev.Resume(context.Background()); err != nil {
			i.log.Err(err, "恢复页面跳转失败")
		}
	}
	if out == nil {
		run()
		return
	}
	go run()
}

// FindTracked 从点击目标向上查找携带标记属性的元素
func FindTracked(path []host.Element) (int, *host.Element) {
	for idx := 0; idx < len(path) && idx <= MaxAncestorDepth; idx++ {
		if _, ok := path[idx].Attrs[MarkerAttr]; ok {
			return idx, &path[idx]
		}
	}
	return -1, nil
}

// ParseEventData 把 data-hardal-event-<key> 属性展开为数据包
func ParseEventData(attrs map[string]string) map[string]any {
	data := make(map[string]any)
	for k, v := range attrs {
		if key, ok := strings.CutPrefix(k, DataPrefix); ok && key != "" {
			data[key] = v
		}
	}
	return data
}

// IsExternal 链接点击是否由浏览器自行处理（修饰键、中键或新窗口）
func IsExternal(ev host.ClickEvent, anchor host.Element) bool {
	if ev.Meta || ev.Ctrl || ev.Shift || ev.Alt || ev.Button == 1 {
		return true
	}
	return strings.EqualFold(anchor.Attrs["target"], "_blank")
}

// nearestAnchor 从点击目标向上查找最近的链接
func nearestAnchor(path []host.Element) (host.Element, bool) {
	for idx := 0; idx < len(path) && idx <= MaxAncestorDepth; idx++ {
		if el := path[idx]; strings.EqualFold(el.Tag, "a") && el.Attrs["href"] != "" {
			return el, true
		}
	}
	return host.Element{}, false
}
