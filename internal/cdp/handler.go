package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/runtime"

	adapter "hardaltrack/internal/adapter/cdp"
	"hardaltrack/internal/host"
	"hardaltrack/pkg/traffic"
)

// consumeBindings 读取注入脚本的回传消息，流关闭后退出
func (h *Host) consumeBindings(stream runtime.BindingCalledClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		if ev.Name != BindingName {
			continue
		}
		msg, err := adapter.DecodeBinding(ev.Payload)
		if err != nil {
			h.log.Warn("无法解析页面回传消息", "error", err.Error())
			continue
		}
		h.handleBinding(msg)
	}
}

// handleBinding 把一条回传消息分发给订阅者
func (h *Host) handleBinding(msg adapter.BindingMessage) {
	if kind, ok := msg.NavigationKind(); ok {
		ev := host.NavigationEvent{Kind: kind, URL: msg.URL}
		for _, obs := range h.navigationObservers() {
			obs.OnNavigate(ev)
		}
		return
	}
	switch msg.Kind {
	case adapter.BindingTitle:
		for _, obs := range h.navigationObservers() {
			obs.OnTitle(msg.Title)
		}
	case adapter.BindingClick:
		click := msg.Click
		if msg.Deferred {
			click.Resume = h.resumer(msg.ClickID)
		}
		observers := h.navigationObservers()
		if len(observers) == 0 && click.Resume != nil {
			_ = click.Resume(h.ctx)
			return
		}
		for _, obs := range observers {
			obs.OnClick(click)
		}
	case adapter.BindingUnload:
		h.mu.Lock()
		fns := make([]func(), 0, len(h.unloadObs))
		for _, id := range sortedIDs(h.unloadObs) {
			fns = append(fns, h.unloadObs[id])
		}
		h.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

// resumer 继续被暂停的同页跳转
func (h *Host) resumer(id string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		arg, err := json.Marshal(id)
		if err != nil {
			return err
		}
		expr := fmt.Sprintf("window.__hardalResume && window.__hardalResume(%s)", arg)
		if _, err := h.evaluate(ctx, expr); err != nil {
			return fmt.Errorf("resume navigation: %w", err)
		}
		return nil
	}
}

// consumeRequests 把 requestWillBeSent 转换为中立请求并分发
func (h *Host) consumeRequests(stream network.RequestWillBeSentClient) {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			return
		}
		req := adapter.ToNeutralRequest(ev)
		if req.Parsed() == nil {
			continue
		}
		h.mu.Lock()
		fns := make([]func(*traffic.Request), 0, len(h.resObs))
		for _, id := range sortedIDs(h.resObs) {
			fns = append(fns, h.resObs[id])
		}
		h.mu.Unlock()
		for _, fn := range fns {
			fn(req)
		}
	}
}

func (h *Host) navigationObservers() []host.NavigationObserver {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]host.NavigationObserver, 0, len(h.navObs))
	for _, id := range sortedIDs(h.navObs) {
		out = append(out, h.navObs[id])
	}
	return out
}

func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
