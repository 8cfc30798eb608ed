package cdp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"

	"hardaltrack/internal/host"
	"hardaltrack/pkg/traffic"
)

// ToNeutralRequest 将 CDP 事件转换为中立 Request 模型
func ToNeutralRequest(ev *network.RequestWillBeSentReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.Method = ev.Request.Method
	if ev.Type != "" {
		req.ResourceType = string(ev.Type)
	}
	if wall := float64(ev.WallTime); wall > 0 {
		req.Time = time.Unix(0, int64(wall*float64(time.Second)))
	} else {
		req.Time = time.Now()
	}

	// 处理 Header
	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}

	raw := ev.Request.URL
	if ev.Request.URLFragment != nil {
		raw += *ev.Request.URLFragment
	}
	_ = req.SetURL(raw)
	return req
}

// BindingKind 注入脚本上报的消息类型
type BindingKind string

const (
	BindingPush    BindingKind = "push"
	BindingReplace BindingKind = "replace"
	BindingPop     BindingKind = "pop"
	BindingTitle   BindingKind = "title"
	BindingClick   BindingKind = "click"
	BindingUnload  BindingKind = "unload"
)

// BindingMessage 注入脚本通过 binding 发来的一条消息
type BindingMessage struct {
	Kind  BindingKind
	URL   string
	Title string

	// 点击相关
	ClickID  string
	Deferred bool
	Click    host.ClickEvent
}

// DecodeBinding 解析 binding 负载
func DecodeBinding(payload string) (BindingMessage, error) {
	if !gjson.Valid(payload) {
		return BindingMessage{}, fmt.Errorf("binding payload is not JSON")
	}
	doc := gjson.Parse(payload)
	msg := BindingMessage{
		Kind:  BindingKind(doc.Get("kind").String()),
		URL:   doc.Get("url").String(),
		Title: doc.Get("title").String(),
	}
	switch msg.Kind {
	case BindingPush, BindingReplace, BindingPop, BindingTitle, BindingUnload:
	case BindingClick:
		msg.ClickID = doc.Get("id").String()
		msg.Deferred = doc.Get("deferred").Bool()
		msg.Click = host.ClickEvent{
			Button: int(doc.Get("button").Int()),
			Meta:   doc.Get("meta").Bool(),
			Ctrl:   doc.Get("ctrl").Bool(),
			Shift:  doc.Get("shift").Bool(),
			Alt:    doc.Get("alt").Bool(),
		}
		doc.Get("path").ForEach(func(_, el gjson.Result) bool {
			e := host.Element{Tag: el.Get("tag").String(), Attrs: map[string]string{}}
			el.Get("attrs").ForEach(func(k, v gjson.Result) bool {
				e.Attrs[k.String()] = v.String()
				return true
			})
			msg.Click.Path = append(msg.Click.Path, e)
			return true
		})
	default:
		return msg, fmt.Errorf("unknown binding kind %q", msg.Kind)
	}
	return msg, nil
}

// NavigationKind 把导航类消息映射为宿主导航类型
func (m BindingMessage) NavigationKind() (host.NavigationKind, bool) {
	switch m.Kind {
	case BindingPush:
		return host.NavigationPush, true
	case BindingReplace:
		return host.NavigationReplace, true
	case BindingPop:
		return host.NavigationPop, true
	}
	return "", false
}

// ToPageState 解析状态探针的返回值
func ToPageState(raw json.RawMessage) (host.PageState, error) {
	var st host.PageState
	if len(raw) == 0 {
		return st, fmt.Errorf("empty page state")
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("decode page state: %w", err)
	}
	return st, nil
}

// ToEntropy 解析熵探针的返回值
func ToEntropy(raw json.RawMessage) (host.Entropy, error) {
	var e host.Entropy
	if len(raw) == 0 {
		return e, fmt.Errorf("empty entropy probe result")
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("decode entropy: %w", err)
	}
	return e, nil
}
