// Package cdp 通过 Chrome DevTools Protocol 把一个浏览器标签页适配为埋点宿主
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"

	adapter "hardaltrack/internal/adapter/cdp"
	"hardaltrack/internal/host"
	"hardaltrack/internal/logger"
	"hardaltrack/pkg/domain"
	"hardaltrack/pkg/traffic"
)

const teardownTimeout = 3 * time.Second

// Host 一个已附加的标签页
type Host struct {
	target domain.TargetID
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
	log    logger.Logger

	mu        sync.Mutex
	nextID    int
	navObs    map[int]host.NavigationObserver
	resObs    map[int]func(*traffic.Request)
	unloadObs map[int]func()

	bridgeCancel  context.CancelFunc
	scriptID      page.ScriptIdentifier
	networkCancel context.CancelFunc
}

var _ host.Host = (*Host)(nil)

// ListTargets 列出可附加的页面
func ListTargets(ctx context.Context, devtoolsURL string) ([]domain.TargetInfo, error) {
	dt := devtool.New(devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]domain.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		out = append(out, domain.TargetInfo{
			ID:    domain.TargetID(t.ID),
			Type:  string(t.Type),
			URL:   t.URL,
			Title: t.Title,
		})
	}
	return out, nil
}

// Dial 连接到指定页面，target 为空时选择第一个页面
func Dial(ctx context.Context, devtoolsURL string, target domain.TargetID, l logger.Logger) (*Host, error) {
	if l == nil {
		l = logger.NewNop()
	}
	dt := devtool.New(devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for i := range targets {
		if targets[i].Type != devtool.Page {
			continue
		}
		if target == "" || string(targets[i].ID) == string(target) {
			sel = targets[i]
			break
		}
	}
	if sel == nil {
		return nil, fmt.Errorf("no page target matches %q", target)
	}

	hctx, cancel := context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}
	h := &Host{
		target:    domain.TargetID(sel.ID),
		conn:      conn,
		client:    cdp.NewClient(conn),
		ctx:       hctx,
		cancel:    cancel,
		log:       l.With("target", sel.ID),
		navObs:    make(map[int]host.NavigationObserver),
		resObs:    make(map[int]func(*traffic.Request)),
		unloadObs: make(map[int]func()),
	}
	if err := h.client.Runtime.Enable(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("enable runtime: %w", err)
	}
	if err := h.client.Page.Enable(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("enable page: %w", err)
	}
	h.log.Info("已附加到页面", "url", sel.URL)
	return h, nil
}

// Target 已附加页面的 ID
func (h *Host) Target() domain.TargetID { return h.target }

// Close 断开连接，所有订阅随之失效
func (h *Host) Close() error {
	h.cancel()
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}

// State 读取页面快照
func (h *Host) State(ctx context.Context) (host.PageState, error) {
	raw, err := h.evaluate(ctx, stateScript)
	if err != nil {
		return host.PageState{}, err
	}
	return adapter.ToPageState(raw)
}

// Entropy 读取指纹信号
func (h *Host) Entropy(ctx context.Context) (host.Entropy, error) {
	raw, err := h.evaluate(ctx, entropyScript)
	if err != nil {
		return host.Entropy{}, err
	}
	return adapter.ToEntropy(raw)
}

// evaluate 在页面中执行表达式并按值返回结果
func (h *Host) evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	args := runtime.NewEvaluateArgs(expr).SetReturnByValue(true).SetAwaitPromise(true)
	reply, err := h.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return nil, fmt.Errorf("evaluate: page exception: %s", reply.ExceptionDetails.Text)
	}
	return reply.Result.Value, nil
}

// ObserveNavigation 订阅导航、标题与点击
func (h *Host) ObserveNavigation(ctx context.Context, obs host.NavigationObserver) (host.Detach, error) {
	if err := h.ensureBridge(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.navObs[id] = obs
	h.mu.Unlock()
	return h.detach(func() { delete(h.navObs, id) }), nil
}

// ObserveResources 订阅页面发出的请求
func (h *Host) ObserveResources(ctx context.Context, fn func(*traffic.Request)) (host.Detach, error) {
	if err := h.ensureNetwork(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.resObs[id] = fn
	h.mu.Unlock()
	return h.detach(func() { delete(h.resObs, id) }), nil
}

// OnUnload 订阅页面卸载
func (h *Host) OnUnload(ctx context.Context, fn func()) (host.Detach, error) {
	if err := h.ensureBridge(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.unloadObs[id] = fn
	h.mu.Unlock()
	return h.detach(func() { delete(h.unloadObs, id) }), nil
}

// detach 生成只生效一次的撤销函数；最后一个订阅者离开时恢复页面
func (h *Host) detach(remove func()) host.Detach {
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			h.mu.Lock()
			remove()
			bridgeIdle := len(h.navObs) == 0 && len(h.unloadObs) == 0 && h.bridgeCancel != nil
			networkIdle := len(h.resObs) == 0 && h.networkCancel != nil
			h.mu.Unlock()

			var errs []error
			if bridgeIdle {
				errs = append(errs, h.teardownBridge())
			}
			if networkIdle {
				errs = append(errs, h.teardownNetwork())
			}
			err = errors.Join(errs...)
		})
		return err
	}
}

// ensureBridge 安装 binding 与观察脚本（当前文档与后续文档）
func (h *Host) ensureBridge(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bridgeCancel != nil {
		return nil
	}

	bctx, cancel := context.WithCancel(h.ctx)
	stream, err := h.client.Runtime.BindingCalled(bctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe binding: %w", err)
	}
	if err := h.client.Runtime.AddBinding(ctx, runtime.NewAddBindingArgs(BindingName)); err != nil {
		cancel()
		_ = stream.Close()
		return fmt.Errorf("add binding: %w", err)
	}
	script := observeScript()
	reply, err := h.client.Page.AddScriptToEvaluateOnNewDocument(ctx, page.NewAddScriptToEvaluateOnNewDocumentArgs(script))
	if err != nil {
		cancel()
		_ = stream.Close()
		return fmt.Errorf("add observe script: %w", err)
	}
	if _, err := h.evaluate(ctx, script); err != nil {
		h.log.Warn("当前文档注入观察脚本失败，将在下次导航时生效", "error", err.Error())
	}

	h.scriptID = reply.Identifier
	h.bridgeCancel = cancel
	go h.consumeBindings(stream)
	h.log.Debug("页面观察脚本已注入")
	return nil
}

func (h *Host) teardownBridge() error {
	h.mu.Lock()
	cancel, scriptID := h.bridgeCancel, h.scriptID
	h.bridgeCancel = nil
	h.scriptID = ""
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	ctx, done := context.WithTimeout(h.ctx, teardownTimeout)
	defer done()
	var errs []error
	if _, err := h.evaluate(ctx, restoreScript); err != nil {
		errs = append(errs, err)
	}
	if scriptID != "" {
		if err := h.client.Page.RemoveScriptToEvaluateOnNewDocument(ctx, page.NewRemoveScriptToEvaluateOnNewDocumentArgs(scriptID)); err != nil {
			errs = append(errs, fmt.Errorf("remove observe script: %w", err))
		}
	}
	if err := h.client.Runtime.RemoveBinding(ctx, runtime.NewRemoveBindingArgs(BindingName)); err != nil {
		errs = append(errs, fmt.Errorf("remove binding: %w", err))
	}
	h.log.Debug("页面观察脚本已移除")
	return errors.Join(errs...)
}

// ensureNetwork 开启 Network 域并消费 requestWillBeSent
func (h *Host) ensureNetwork(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.networkCancel != nil {
		return nil
	}
	nctx, cancel := context.WithCancel(h.ctx)
	stream, err := h.client.Network.RequestWillBeSent(nctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe requests: %w", err)
	}
	if err := h.client.Network.Enable(ctx, nil); err != nil {
		cancel()
		_ = stream.Close()
		return fmt.Errorf("enable network: %w", err)
	}
	h.networkCancel = cancel
	go h.consumeRequests(stream)
	return nil
}

func (h *Host) teardownNetwork() error {
	h.mu.Lock()
	cancel := h.networkCancel
	h.networkCancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	ctx, done := context.WithTimeout(h.ctx, teardownTimeout)
	defer done()
	if err := h.client.Network.Disable(ctx); err != nil {
		return fmt.Errorf("disable network: %w", err)
	}
	return nil
}
