package redact

import (
	"net/url"
	"regexp"
	"strings"

	"hardaltrack/internal/logger"
	"hardaltrack/pkg/domain"
)

// Sentinel 替换 PII 的固定标记
const Sentinel = "(redacted)"

// Mode 查询参数脱敏策略
type Mode int

const (
	// ModeCoarse 任一参数命中即丢弃整个查询串
	ModeCoarse Mode = iota
	// ModeFine 只替换命中的键或值
	ModeFine
)

// ParseMode 从配置字符串解析模式，未知值按 coarse 处理
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), domain.RedactionFine) {
		return ModeFine
	}
	return ModeCoarse
}

// patterns 按顺序匹配：邮箱、电话、3-2-4 证件号、16 位卡号
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`(\+\d{1,3}[- ]?)?\d{3}[- ]?\d{3}[- ]?\d{4}`),
	regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`),
	regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
}

// uuidPattern 仅用于逐参数脱敏（与页面查询参数采集保持一致）
var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// Redactor URL 与查询参数脱敏器
type Redactor struct {
	Mode Mode
	// Base 当前页面地址，用于解析相对 URL
	Base string
	Log  logger.Logger
}

// New 创建脱敏器
func New(mode Mode, base string, l logger.Logger) *Redactor {
	if l == nil {
		l = logger.NewNop()
	}
	return &Redactor{Mode: mode, Base: base, Log: l}
}

// ContainsPII 字符串是否命中任一 PII 规则
func ContainsPII(s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Path 对路径逐条规则替换
func Path(p string) string {
	for _, re := range patterns {
		p = re.ReplaceAllString(p, Sentinel)
	}
	return p
}

// URL 对完整 URL 脱敏；解析失败时原样返回并记录日志
func (r *Redactor) URL(raw string, excludeSearch, excludeHash bool) string {
	if raw == "" {
		return raw
	}
	u, err := r.resolve(raw)
	if err != nil {
		r.log().Warn("URL 脱敏失败，保留原值", "error", err.Error())
		return raw
	}

	if excludeSearch {
		u.RawQuery = ""
		u.ForceQuery = false
	}
	if excludeHash {
		u.Fragment = ""
		u.RawFragment = ""
	}

	u.Path = Path(u.Path)
	u.RawPath = escapePath(u.Path)
	if u.Opaque != "" {
		u.Opaque = Path(u.Opaque)
	}
	if u.Fragment != "" {
		u.Fragment = Path(u.Fragment)
		u.RawFragment = ""
	}
	// 凭据不进入上报地址
	u.User = nil

	if u.RawQuery == "" {
		return u.String()
	}

	pairs := splitQuery(u.RawQuery)
	switch r.Mode {
	case ModeFine:
		changed := false
		for i := range pairs {
			if ContainsPII(pairs[i].key) {
				pairs[i].rawKey = Sentinel
				changed = true
			} else if ContainsPII(pairs[i].value) {
				pairs[i].rawValue = Sentinel
				pairs[i].hasValue = true
				changed = true
			}
		}
		if changed {
			u.RawQuery = joinQuery(pairs)
		}
		return u.String()
	default:
		for _, p := range pairs {
			if ContainsPII(p.key) || ContainsPII(p.value) {
				out := originOf(u) + u.EscapedPath() + "?" + Sentinel
				if u.Fragment != "" {
					out += "#" + u.EscapedFragment()
				}
				return out
			}
		}
		return u.String()
	}
}

// QueryParams 逐参数脱敏：命中的键替换为标记（保留值），命中的值替换为标记
func (r *Redactor) QueryParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		key, val := k, v
		if paramHasPII(decode(k)) {
			key = Sentinel
		}
		if paramHasPII(decode(v)) {
			val = Sentinel
		}
		out[key] = val
	}
	return out
}

func (r *Redactor) log() logger.Logger {
	if r.Log == nil {
		return logger.NewNop()
	}
	return r.Log
}

// resolve 绝对 URL 直接解析，相对 URL 基于当前页面补全；没有页面基址时保持相对形式
func (r *Redactor) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if strings.Contains(raw, "://") {
		return nil, &url.Error{Op: "parse", URL: raw, Err: errNotAbsolute}
	}
	if base, berr := url.Parse(r.Base); berr == nil && base.IsAbs() {
		return base.ResolveReference(u), nil
	}
	return u, nil
}

type pair struct {
	rawKey, rawValue string
	key, value       string
	hasValue         bool
}

func splitQuery(raw string) []pair {
	var out []pair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		p := pair{rawKey: part}
		if k, v, ok := strings.Cut(part, "="); ok {
			p.rawKey, p.rawValue, p.hasValue = k, v, true
		}
		p.key = decode(p.rawKey)
		p.value = decode(p.rawValue)
		out = append(out, p)
	}
	return out
}

func joinQuery(pairs []pair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.hasValue {
			parts = append(parts, p.rawKey+"="+p.rawValue)
		} else {
			parts = append(parts, p.rawKey)
		}
	}
	return strings.Join(parts, "&")
}

func decode(s string) string {
	if d, err := url.QueryUnescape(s); err == nil {
		return d
	}
	return s
}

func paramHasPII(s string) bool {
	return ContainsPII(s) || uuidPattern.MatchString(s)
}

// escapePath 转义路径但保留脱敏标记的括号原样输出
func escapePath(p string) string {
	parts := strings.Split(p, Sentinel)
	for i, part := range parts {
		parts[i] = (&url.URL{Path: part}).EscapedPath()
	}
	return strings.Join(parts, Sentinel)
}

func originOf(u *url.URL) string {
	if u.Scheme == "" {
		return ""
	}
	if u.Host == "" {
		return u.Scheme + ":"
	}
	return u.Scheme + "://" + u.Host
}
