package engine

import (
	"context"
	"net/http"
	"time"

	"hardaltrack/internal/logger"
	"hardaltrack/internal/navigation"
	"hardaltrack/internal/session"
	"hardaltrack/internal/tap"
	"hardaltrack/internal/transport"
	"hardaltrack/pkg/domain"
)

// Recorder 投递结果的持久化出口
type Recorder interface {
	Record(ctx context.Context, r domain.DeliveryReport) error
}

type options struct {
	navigationDelay time.Duration
	flushInterval   time.Duration
	batchSize       int
	sendTimeout     time.Duration
	httpClient      *http.Client
	recorder        Recorder
	log             logger.Logger
	sess            *session.Session
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		navigationDelay: navigation.DefaultDelay,
		flushInterval:   tap.DefaultFlushInterval,
		batchSize:       tap.DefaultCapacity,
		sendTimeout:     transport.DefaultTimeout,
		log:             logger.NewNop(),
		now:             time.Now,
	}
}

// Option 引擎可选参数
type Option func(*options)

// WithNavigationDelay push/replace 之后触发 pageview 的延迟
func WithNavigationDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.navigationDelay = d
		}
	}
}

// WithFlushInterval 第三方采集缓冲的定时刷新间隔
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

// WithBatchSize 第三方采集缓冲容量
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithSendTimeout 单次发送超时
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRecorder 投递结果写入 r（通常是 storage.Journal）
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithSession 使用外部注册的会话状态
func WithSession(s *session.Session) Option {
	return func(o *options) { o.sess = s }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
