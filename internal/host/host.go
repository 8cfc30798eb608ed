// Package host 定义埋点引擎对被观察页面的全部依赖。
//
// 引擎本身不关心页面来自 CDP、无头浏览器还是测试替身：导航、资源请求、
// 卸载与页面状态都通过这里的接口以事件形式送达。
package host

import (
	"context"
	"encoding/json"

	"hardaltrack/pkg/traffic"
)

// PageState 某一时刻的页面快照
type PageState struct {
	Href     string `json:"href"`
	Title    string `json:"title"`
	Referrer string `json:"referrer"`

	ScreenWidth      int     `json:"screenWidth"`
	ScreenHeight     int     `json:"screenHeight"`
	ColorDepth       int     `json:"colorDepth"`
	PixelDepth       int     `json:"pixelDepth"`
	ViewportWidth    int     `json:"viewportWidth"`
	ViewportHeight   int     `json:"viewportHeight"`
	DevicePixelRatio float64 `json:"devicePixelRatio"`

	UserAgent  string `json:"userAgent"`
	Language   string `json:"language"`
	Platform   string `json:"platform"`
	Vendor     string `json:"vendor"`
	Timezone   string `json:"timezone"`
	DoNotTrack bool   `json:"doNotTrack"`

	// DataLayer window.dataLayer 的原始快照
	DataLayer []json.RawMessage `json:"dataLayer"`
}

// Entropy 指纹使用的低熵信号
type Entropy struct {
	ColorDepth  int    `json:"colorDepth"`
	Timezone    string `json:"timezone"`
	Language    string `json:"language"`
	Platform    string `json:"platform"`
	GPURenderer string `json:"gpuRenderer"`
}

// NavigationKind 导航类型
type NavigationKind string

const (
	NavigationPush    NavigationKind = "push"
	NavigationReplace NavigationKind = "replace"
	NavigationPop     NavigationKind = "pop"
)

// NavigationEvent "导航到了 URL X"
type NavigationEvent struct {
	Kind NavigationKind
	URL  string
}

// Element 点击路径上的一个元素
type Element struct {
	Tag   string
	Attrs map[string]string
}

// ClickEvent 页面点击，Path[0] 为点击目标，其后依次为祖先元素
type ClickEvent struct {
	Path   []Element
	Button int
	Meta   bool
	Ctrl   bool
	Shift  bool
	Alt    bool
	// Resume 非 nil 表示页面已暂停本次同页跳转，调用后继续导航
	Resume func(ctx context.Context) error
}

// NavigationObserver 接收导航、标题变化与点击
type NavigationObserver interface {
	OnNavigate(ev NavigationEvent)
	OnTitle(title string)
	OnClick(ev ClickEvent)
}

// Detach 撤销一次订阅并恢复页面原状
type Detach func() error

// Page 页面状态读取
type Page interface {
	State(ctx context.Context) (PageState, error)
	Entropy(ctx context.Context) (Entropy, error)
}

// NavigationSource 导航事件源
type NavigationSource interface {
	ObserveNavigation(ctx context.Context, obs NavigationObserver) (Detach, error)
}

// ResourceSource 资源请求事件源
type ResourceSource interface {
	ObserveResources(ctx context.Context, fn func(*traffic.Request)) (Detach, error)
}

// UnloadSource 页面卸载事件源
type UnloadSource interface {
	OnUnload(ctx context.Context, fn func()) (Detach, error)
}

// Host 引擎所需的完整宿主能力
type Host interface {
	Page
	NavigationSource
	ResourceSource
	UnloadSource
}
