// Package hosttest 提供内存中的页面替身，用于驱动引擎测试
package hosttest

import (
	"context"
	"sort"
	"sync"
	"time"

	"hardaltrack/internal/host"
	"hardaltrack/pkg/traffic"
)

// ChromeUA 测试默认的 User-Agent
const ChromeUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.6367.91 Safari/537.36"

// Fake 可编程的宿主实现
type Fake struct {
	mu         sync.Mutex
	state      host.PageState
	entropy    host.Entropy
	stateErr   error
	entropyErr error

	next   int
	nav    map[int]host.NavigationObserver
	res    map[int]func(*traffic.Request)
	unload map[int]func()
}

var _ host.Host = (*Fake)(nil)

// New 创建默认页面 https://example.com/
func New() *Fake {
	return &Fake{
		state: host.PageState{
			Href:             "https://example.com/",
			Title:            "Example",
			ScreenWidth:      1920,
			ScreenHeight:     1080,
			ColorDepth:       24,
			PixelDepth:       24,
			ViewportWidth:    1280,
			ViewportHeight:   720,
			DevicePixelRatio: 2,
			UserAgent:        ChromeUA,
			Language:         "en-US",
			Platform:         "MacIntel",
			Vendor:           "Google Inc.",
			Timezone:         "Europe/Istanbul",
		},
		entropy: host.Entropy{
			ColorDepth:  24,
			Timezone:    "Europe/Istanbul",
			Language:    "en-US",
			Platform:    "MacIntel",
			GPURenderer: "ANGLE (Apple, Apple M1, OpenGL 4.1)",
		},
		nav:    make(map[int]host.NavigationObserver),
		res:    make(map[int]func(*traffic.Request)),
		unload: make(map[int]func()),
	}
}

// Update 修改页面状态
func (f *Fake) Update(fn func(*host.PageState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.state)
}

// SetEntropy 修改指纹信号
func (f *Fake) SetEntropy(fn func(*host.Entropy)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.entropy)
}

// FailState 让后续 State 调用返回 err
func (f *Fake) FailState(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateErr = err
}

// FailEntropy 让后续 Entropy 调用返回 err
func (f *Fake) FailEntropy(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entropyErr = err
}

func (f *Fake) State(ctx context.Context) (host.PageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return host.PageState{}, f.stateErr
	}
	st := f.state
	st.DataLayer = append(st.DataLayer[:0:0], f.state.DataLayer...)
	return st, nil
}

func (f *Fake) Entropy(ctx context.Context) (host.Entropy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entropyErr != nil {
		return host.Entropy{}, f.entropyErr
	}
	return f.entropy, nil
}

func (f *Fake) ObserveNavigation(ctx context.Context, obs host.NavigationObserver) (host.Detach, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.nav[id] = obs
	return f.detach(func() { delete(f.nav, id) }), nil
}

func (f *Fake) ObserveResources(ctx context.Context, fn func(*traffic.Request)) (host.Detach, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.res[id] = fn
	return f.detach(func() { delete(f.res, id) }), nil
}

func (f *Fake) OnUnload(ctx context.Context, fn func()) (host.Detach, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.unload[id] = fn
	return f.detach(func() { delete(f.unload, id) }), nil
}

func (f *Fake) detach(remove func()) host.Detach {
	var once sync.Once
	return func() error {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			remove()
		})
		return nil
	}
}

// Observers 当前活跃的导航、资源、卸载订阅数
func (f *Fake) Observers() (nav, res, unload int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nav), len(f.res), len(f.unload)
}

// Push 模拟 history.pushState
func (f *Fake) Push(url string) { f.navigate(host.NavigationPush, url) }

// Replace 模拟 history.replaceState
func (f *Fake) Replace(url string) { f.navigate(host.NavigationReplace, url) }

// Pop 模拟浏览器前进/后退
func (f *Fake) Pop(url string) { f.navigate(host.NavigationPop, url) }

func (f *Fake) navigate(kind host.NavigationKind, url string) {
	f.mu.Lock()
	f.state.Href = url
	obs := f.navObservers()
	f.mu.Unlock()
	for _, o := range obs {
		o.OnNavigate(host.NavigationEvent{Kind: kind, URL: url})
	}
}

// SetTitle 模拟 <title> 变化
func (f *Fake) SetTitle(title string) {
	f.mu.Lock()
	f.state.Title = title
	obs := f.navObservers()
	f.mu.Unlock()
	for _, o := range obs {
		o.OnTitle(title)
	}
}

// Click 模拟一次点击
func (f *Fake) Click(ev host.ClickEvent) {
	f.mu.Lock()
	obs := f.navObservers()
	f.mu.Unlock()
	for _, o := range obs {
		o.OnClick(ev)
	}
}

// Request 模拟页面发出一个资源请求
func (f *Fake) Request(rawURL string) {
	req := traffic.NewRequest()
	_ = req.SetURL(rawURL)
	req.Method = "GET"
	req.ResourceType = "Image"
	req.Time = time.Now()

	f.mu.Lock()
	fns := make([]func(*traffic.Request), 0, len(f.res))
	for _, id := range sortedKeys(f.res) {
		fns = append(fns, f.res[id])
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(req)
	}
}

// Unload 模拟页面卸载
func (f *Fake) Unload() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.unload))
	for _, id := range sortedKeys(f.unload) {
		fns = append(fns, f.unload[id])
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *Fake) navObservers() []host.NavigationObserver {
	out := make([]host.NavigationObserver, 0, len(f.nav))
	for _, id := range sortedKeys(f.nav) {
		out = append(out, f.nav[id])
	}
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
