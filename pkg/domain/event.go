package domain

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// 事件名称与请求类型
const (
	EventPageview     = "page_view"
	EventNetworkBatch = "network_batch"
	EventIdentify     = "identify"

	WireTypeEvent    = "event"
	WireTypeIdentify = "identify"
)

// ServerTimeLayout 服务端友好的时间格式
const ServerTimeLayout = "2006-01-02 15:04:05"

// FormatServerTime 格式化为 YYYY-MM-DD HH:MM:SS（UTC）
func FormatServerTime(t time.Time) string {
	return t.UTC().Format(ServerTimeLayout)
}

type DistinctInfo struct {
	ServerDistinctID string `json:"server_distinct_id"`
}

type PageInfo struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Title    string `json:"title"`
	Protocol string `json:"protocol"`
	Hostname string `json:"hostname"`
	Hash     string `json:"hash"`
	Referrer string `json:"referrer"`
}

type ScreenInfo struct {
	Resolution       string  `json:"resolution"`
	ColorDepth       int     `json:"color_depth"`
	PixelDepth       int     `json:"pixel_depth"`
	ViewportSize     string  `json:"viewport_size"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
}

type BrowserInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Language  string `json:"language"`
	Platform  string `json:"platform"`
	Vendor    string `json:"vendor"`
	UserAgent string `json:"user_agent"`
}

// BaseContext 每个事件都携带的页面/设备上下文
type BaseContext struct {
	Distinct    DistinctInfo      `json:"distinct"`
	Page        PageInfo          `json:"page"`
	Screen      ScreenInfo        `json:"screen"`
	Browser     BrowserInfo       `json:"browser"`
	DeviceType  string            `json:"device_type"`
	Timezone    string            `json:"timezone"`
	Timestamp   string            `json:"timestamp"`
	TimestampMS int64             `json:"timestamp_ms"`
	QueryParams map[string]string `json:"query_params"`
}

// EventEnvelope 已脱敏、可发送的事件
type EventEnvelope struct {
	Website   string
	Name      string
	Data      map[string]any
	Context   BaseContext
	DataLayer []json.RawMessage
	CreatedAt time.Time

	// properties Seal 之后的渲染结果，非空时 Data/Context/DataLayer 不再参与输出
	properties json.RawMessage
}

// Seal 立即渲染 properties，之后调用方对 Data 的修改不会影响上报内容
func (e *EventEnvelope) Seal() error {
	props, err := e.renderProperties()
	if err != nil {
		return err
	}
	e.properties = props
	return nil
}

// Sealed 是否已固化
func (e EventEnvelope) Sealed() bool { return len(e.properties) > 0 }

// renderProperties 基础上下文 + 自定义数据 + dataLayer
func (e EventEnvelope) renderProperties() ([]byte, error) {
	props, err := json.Marshal(e.Context)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if props, err = sjson.SetBytes(props, EscapePath(k), e.Data[k]); err != nil {
			return nil, err
		}
	}
	if v, ok := e.Data[""]; ok {
		// sjson 路径无法表达空键，直接拼到对象末尾
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		props = append(props[:len(props)-1:len(props)-1], `,"":`...)
		props = append(append(props, raw...), '}')
	}
	if len(e.DataLayer) > 0 {
		if props, err = sjson.SetBytes(props, "dataLayer", e.DataLayer); err != nil {
			return nil, err
		}
	}
	return props, nil
}

// MarshalJSON 输出线上格式
func (e EventEnvelope) MarshalJSON() ([]byte, error) {
	props := e.properties
	if len(props) == 0 {
		var err error
		if props, err = e.renderProperties(); err != nil {
			return nil, err
		}
	}

	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "website", e.Website); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "event_name", e.Name); err != nil {
		return nil, err
	}
	if out, err = sjson.SetRawBytes(out, "properties", props); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "created_at", FormatServerTime(e.CreatedAt)); err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "created_at_ms", e.CreatedAt.UnixMilli())
}

// IdentifyPayload distinct 调用的上报内容；Data 在组装时已渲染为 JSON
type IdentifyPayload struct {
	Website     string          `json:"website"`
	DistinctID  string          `json:"distinct_id"`
	Data        json.RawMessage `json:"data"`
	Context     BaseContext     `json:"context"`
	CreatedAt   string          `json:"created_at"`
	CreatedAtMS int64           `json:"created_at_ms"`
}
// WireRequest POST {hostUrl}/push/hardal 的请求体
type WireRequest struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	EventName string `json:"event_name"`
}

// WireResponse 服务端响应中会影响会话状态的字段
type WireResponse struct {
	Disabled bool            `json:"disabled"`
	Cache    string          `json:"cache,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// 跳过发送的原因
const (
	ReasonDisabled         = "disabled"
	ReasonInvalidEndpoint  = "invalid_endpoint"
	ReasonDoNotTrack       = "do_not_track"
	ReasonDomainNotAllowed = "domain_not_allowed"
	ReasonDestroyed        = "destroyed"
)

// SendResult 一次投递的结果
type SendResult struct {
	EventName string       `json:"event_name"`
	Skipped   bool         `json:"skipped"`
	Reason    string       `json:"reason,omitempty"`
	Status    int          `json:"status,omitempty"`
	Response  WireResponse `json:"response"`
	SentAt    time.Time    `json:"sent_at"`
}

// 投递日志状态
const (
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// DeliveryReport 写入投递日志的一条记录
type DeliveryReport struct {
	Session    SessionID
	EventName  string
	Type       string
	Status     string
	Reason     string
	HTTPStatus int
	Error      string
	Duration   time.Duration
	At         time.Time
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)

// EscapePath 把任意属性名转义为 sjson 路径中的单个键
func EscapePath(key string) string {
	return pathEscaper.Replace(key)
}
