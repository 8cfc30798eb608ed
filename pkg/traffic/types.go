package traffic

import (
	"net/url"
	"strings"
	"time"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Request 页面发出的请求（只读观察，不含请求体）
type Request struct {
	ID           string            // 请求唯一ID
	URL          string            // 完整URL
	Method       string            // HTTP方法
	Headers      Header            // 请求头
	ResourceType string            // 资源类型 (如 Image, XHR, Ping)
	Query        map[string]string // 解码后的查询参数（同名取第一个）
	Time         time.Time         // 观察到请求的时间

	parsed *url.URL
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
		Query:   make(map[string]string),
	}
}

// SetURL 设置 URL 并预解析查询参数
func (r *Request) SetURL(raw string) error {
	r.URL = raw
	u, err := url.Parse(raw)
	if err != nil {
		r.parsed = nil
		return err
	}
	r.parsed = u
	for key, vals := range u.Query() {
		if len(vals) > 0 {
			r.Query[key] = vals[0]
		}
	}
	return nil
}

// Parsed 返回解析后的 URL，解析失败时为 nil
func (r *Request) Parsed() *url.URL {
	return r.parsed
}

// Host 返回小写主机名
func (r *Request) Host() string {
	if r.parsed == nil {
		return ""
	}
	return strings.ToLower(r.parsed.Hostname())
}

// Path 返回 URL 路径
func (r *Request) Path() string {
	if r.parsed == nil {
		return ""
	}
	return r.parsed.Path
}
