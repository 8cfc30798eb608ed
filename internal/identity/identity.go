// Package identity 基于低熵设备信号生成会话内稳定的伪匿名标识。
//
// 标识只依赖页面信号本身，不读写任何存储；同一浏览器在一次会话内得到相同的值，
// 仅因为输入在会话内不变。
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"hardaltrack/internal/host"
	"hardaltrack/internal/logger"
)

// Scope 标识命名空间
type Scope string

const (
	ScopeTemporary Scope = "hr_tmp_"
	ScopeSession   Scope = "hr_ses_"
)

// FallbackPrefix 低置信度标识前缀，服务端据此区分哈希与兜底值
const FallbackPrefix = "hr_fb_"

const (
	hashLength      = 32
	unknownRenderer = "unknown"
)

// EntropySource 指纹信号来源
type EntropySource interface {
	Entropy(ctx context.Context) (host.Entropy, error)
}

// Generator 标识生成器
type Generator struct {
	src EntropySource
	log logger.Logger
	now func() time.Time
}

// New 创建生成器
func New(src EntropySource, l logger.Logger) *Generator {
	if l == nil {
		l = logger.NewNop()
	}
	return &Generator{src: src, log: l, now: time.Now}
}

// WithClock 替换时钟，仅影响兜底标识
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// DistinctID 生成标识；探测失败时降级为兜底标识，不返回错误
func (g *Generator) DistinctID(ctx context.Context, scope Scope) string {
	if g.src == nil {
		return g.fallback()
	}
	e, err := g.src.Entropy(ctx)
	if err != nil {
		g.log.Warn("指纹信号采集失败，使用兜底标识", "error", err.Error())
		return g.fallback()
	}
	return string(scope) + Digest(Composite(e))
}

// Composite 拼接指纹信号：colorDepth|timezone|language|platform|renderer
func Composite(e host.Entropy) string {
	renderer := e.GPURenderer
	if renderer == "" {
		renderer = unknownRenderer
	}
	return strings.Join([]string{
		strconv.Itoa(e.ColorDepth),
		e.Timezone,
		e.Language,
		e.Platform,
		renderer,
	}, "|")
}

// Digest SHA-256 十六进制摘要的前 32 位
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLength]
}

func (g *Generator) fallback() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return FallbackPrefix + strconv.FormatInt(g.now().UnixMilli(), 10) + "_" + suffix
}
