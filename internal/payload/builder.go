// Package payload 把页面快照组装为可发送的事件信封
package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"hardaltrack/internal/host"
	"hardaltrack/internal/identity"
	"hardaltrack/internal/logger"
	"hardaltrack/internal/redact"
	"hardaltrack/internal/session"
	"hardaltrack/pkg/domain"
)

// Builder 事件信封构造器
type Builder struct {
	ids  *identity.Generator
	sess *session.Session
	log  logger.Logger
	now  func() time.Time
}

// New 创建构造器；sess 提供标题与会话内 referrer
func New(ids *identity.Generator, sess *session.Session, l logger.Logger) *Builder {
	if l == nil {
		l = logger.NewNop()
	}
	return &Builder{ids: ids, sess: sess, log: l, now: time.Now}
}

// WithClock 替换时钟
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Now 当前时间，精确到整秒
func (b *Builder) Now() time.Time {
	return b.now().Truncate(time.Second)
}

// FormatTimestamp 返回服务端格式字符串与毫秒时间戳
func FormatTimestamp(t time.Time) (string, int64) {
	t = t.Truncate(time.Second)
	return domain.FormatServerTime(t), t.UnixMilli()
}

// BuildContext 采集当前页面上下文
func (b *Builder) BuildContext(ctx context.Context, st host.PageState, cfg domain.Config) domain.BaseContext {
	return b.buildContext(ctx, st, cfg, b.Now())
}

func (b *Builder) buildContext(ctx context.Context, st host.PageState, cfg domain.Config, at time.Time) domain.BaseContext {
	r := redact.New(redact.ParseMode(cfg.RedactionMode), st.Href, b.log)
	name, version := DetectBrowser(st.UserAgent)
	ts, tsMS := FormatTimestamp(at)

	bc := domain.BaseContext{
		Page: b.pageInfo(r, st, cfg),
		Screen: domain.ScreenInfo{
			Resolution:       strconv.Itoa(st.ScreenWidth) + "x" + strconv.Itoa(st.ScreenHeight),
			ColorDepth:       st.ColorDepth,
			PixelDepth:       st.PixelDepth,
			ViewportSize:     strconv.Itoa(st.ViewportWidth) + "x" + strconv.Itoa(st.ViewportHeight),
			DevicePixelRatio: st.DevicePixelRatio,
		},
		Browser: domain.BrowserInfo{
			Name:      name,
			Version:   version,
			Language:  st.Language,
			Platform:  st.Platform,
			Vendor:    st.Vendor,
			UserAgent: st.UserAgent,
		},
		DeviceType:  DetectDevice(st.UserAgent),
		Timezone:    st.Timezone,
		Timestamp:   ts,
		TimestampMS: tsMS,
		QueryParams: map[string]string{},
	}
	if b.ids != nil {
		bc.Distinct.ServerDistinctID = b.ids.DistinctID(ctx, identity.ScopeTemporary)
	}
	if u, err := url.Parse(st.Href); err == nil && !cfg.ExcludeSearch {
		params := make(map[string]string)
		for k, vals := range u.Query() {
			if len(vals) > 0 {
				params[k] = vals[0]
			}
		}
		bc.QueryParams = r.QueryParams(params)
	}
	return bc
}

func (b *Builder) pageInfo(r *redact.Redactor, st host.PageState, cfg domain.Config) domain.PageInfo {
	pi := domain.PageInfo{
		URL:   r.URL(st.Href, cfg.ExcludeSearch, cfg.ExcludeHash),
		Title: st.Title,
	}
	if u, err := url.Parse(st.Href); err == nil {
		pi.Path = redact.Path(u.Path)
		pi.Protocol = u.Scheme + ":"
		pi.Hostname = u.Hostname()
		if u.Fragment != "" && !cfg.ExcludeHash {
			pi.Hash = "#" + redact.Path(u.Fragment)
		}
	}
	if st.Referrer != "" {
		pi.Referrer = r.URL(st.Referrer, cfg.ExcludeSearch, cfg.ExcludeHash)
	}
	if b.sess != nil {
		if t := b.sess.Title(); t != "" {
			pi.Title = t
		}
		if ref := b.sess.Referrer(); ref != "" {
			pi.Referrer = ref
		}
	}
	return pi
}

// BuildEnvelope 组装事件信封；上下文与 created_at 使用同一时刻
func (b *Builder) BuildEnvelope(ctx context.Context, st host.PageState, cfg domain.Config, name string, data map[string]any) domain.EventEnvelope {
	at := b.Now()
	env := domain.EventEnvelope{
		Website:   cfg.Website,
		Name:      name,
		Data:      data,
		Context:   b.buildContext(ctx, st, cfg, at),
		CreatedAt: at,
	}
	if cfg.FetchFromDataLayer && len(st.DataLayer) > 0 {
		env.DataLayer = DedupeDataLayer(st.DataLayer)
	}
	if err := env.Seal(); err != nil {
		b.log.Err(err, "事件属性无法序列化", "event", name)
	}
	return env
}

// BuildIdentify 组装 distinct 上报内容，标识使用会话命名空间
func (b *Builder) BuildIdentify(ctx context.Context, st host.PageState, cfg domain.Config, data map[string]any) domain.IdentifyPayload {
	at := b.Now()
	ts, tsMS := FormatTimestamp(at)
	p := domain.IdentifyPayload{
		Website:     cfg.Website,
		Data:        json.RawMessage(`{}`),
		Context:     b.buildContext(ctx, st, cfg, at),
		CreatedAt:   ts,
		CreatedAtMS: tsMS,
	}
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			b.log.Err(err, "身份数据无法序列化", "event", domain.EventIdentify)
		} else {
			p.Data = raw
		}
	}
	if b.ids != nil {
		p.DistinctID = b.ids.DistinctID(ctx, identity.ScopeSession)
	}
	return p
}

// DedupeDataLayer 按结构相等去重，保留首次出现的顺序
func DedupeDataLayer(items []json.RawMessage) []json.RawMessage {
	seen := make(map[string]struct{}, len(items))
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		key := canonical(it)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// canonical 重新序列化以消除键顺序与空白差异
func canonical(raw json.RawMessage) string {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
