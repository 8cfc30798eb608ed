// Package transport 实现上报端点的线上协议
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"hardaltrack/internal/logger"
	"hardaltrack/internal/session"
	"hardaltrack/pkg/domain"
)

const (
	// PushPath 上报路径，拼接在 hostUrl 之后
	PushPath = "/push/hardal"
	// CacheHeader 回传服务端缓存令牌的请求头
	CacheHeader = "x-hardal-cache"
	// DefaultTimeout 单次发送超时
	DefaultTimeout = 5000 * time.Millisecond

	maxResponseBody = 1 << 20
)

// HTTPError 非 2xx 响应
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.Status)
}

// Client 上报客户端
type Client struct {
	http    *http.Client
	timeout time.Duration
	log     logger.Logger
}

// New 创建客户端；hc 为 nil 时使用默认 http.Client
func New(hc *http.Client, timeout time.Duration, l logger.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Client{http: hc, timeout: timeout, log: l}
}

// Send 发送一次请求并把响应中的指令吸收进会话
func (c *Client) Send(ctx context.Context, dest string, sess *session.Session, req domain.WireRequest) (domain.WireResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.WireResponse{}, 0, fmt.Errorf("encode %s payload: %w", req.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, dest+PushPath, bytes.NewReader(body))
	if err != nil {
		return domain.WireResponse{}, 0, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if sess != nil {
		if token := sess.Cache(); token != "" {
			hreq.Header.Set(CacheHeader, token)
		}
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return domain.WireResponse{}, 0, fmt.Errorf("send %s: %w", req.EventName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return domain.WireResponse{}, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.WireResponse{}, resp.StatusCode, &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}

	out := Decode(raw)
	if len(bytes.TrimSpace(raw)) > 0 && !gjson.ValidBytes(raw) {
		c.log.Warn("响应不是合法 JSON，忽略服务端指令", "status", resp.StatusCode)
	}
	if sess != nil {
		sess.Absorb(out)
		if out.Disabled {
			c.log.Warn("服务端已禁用本会话的上报", "sessionID", string(sess.ID))
		}
	}
	return out, resp.StatusCode, nil
}

// Decode 从响应体中提取 disabled 与 cache；cache 只接受可放入请求头的字符串
func Decode(raw []byte) domain.WireResponse {
	out := domain.WireResponse{}
	if !gjson.ValidBytes(raw) {
		return out
	}
	out.Raw = append(json.RawMessage(nil), raw...)
	doc := gjson.ParseBytes(raw)
	out.Disabled = doc.Get("disabled").Bool()
	if c := doc.Get("cache"); c.Type == gjson.String && validHeaderValue(c.String()) {
		out.Cache = c.String()
	}
	return out
}

func validHeaderValue(v string) bool {
	for i := 0; i < len(v); i++ {
		if b := v[i]; (b < 0x20 && b != '\t') || b == 0x7f {
			return false
		}
	}
	return true
}
