package rules

import (
	"strings"
)

// Condition 单个匹配条件
type Condition struct {
	Type   string   `json:"type" yaml:"type"` // host | path | query
	Key    string   `json:"key,omitempty" yaml:"key,omitempty"`
	Op     string   `json:"op,omitempty" yaml:"op,omitempty"` // equals | contains | prefix | suffix | regex
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// Match 条件组合
type Match struct {
	AllOf  []Condition `json:"allOf,omitempty" yaml:"allOf,omitempty"`
	AnyOf  []Condition `json:"anyOf,omitempty" yaml:"anyOf,omitempty"`
	NoneOf []Condition `json:"noneOf,omitempty" yaml:"noneOf,omitempty"`
}

// Rule 一条识别规则，ID 即厂商格式名
type Rule struct {
	ID    string `json:"id" yaml:"id"`
	Match Match  `json:"match" yaml:"match"`
}

type Engine struct {
	rs []Rule
}

func New(rs []Rule) *Engine { return &Engine{rs: rs} }

// Ctx 被匹配请求的只读视图
type Ctx struct {
	Host  string
	Path  string
	Query map[string]string
}

type Result struct {
	RuleID string
}

// Eval 按声明顺序返回第一条命中规则，未命中返回 nil
func (e *Engine) Eval(ctx Ctx) *Result {
	for i := range e.rs {
		if Matches(ctx, e.rs[i].Match) {
			return &Result{RuleID: e.rs[i].ID}
		}
	}
	return nil
}

// Matches 单独评估一个条件组合；空组合视为命中
func Matches(ctx Ctx, m Match) bool {
	ok := true
	if len(m.AllOf) > 0 {
		ok = ok && allOf(ctx, m.AllOf)
	}
	if len(m.AnyOf) > 0 {
		ok = ok && anyOf(ctx, m.AnyOf)
	}
	if len(m.NoneOf) > 0 {
		ok = ok && noneOf(ctx, m.NoneOf)
	}
	return ok
}

func allOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if !cond(ctx, cs[i]) {
			return false
		}
	}
	return true
}

func anyOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if cond(ctx, cs[i]) {
			return true
		}
	}
	return false
}

func noneOf(ctx Ctx, cs []Condition) bool { return !anyOf(ctx, cs) }

func cond(ctx Ctx, c Condition) bool {
	switch c.Type {
	case "host":
		return op(strings.ToLower(ctx.Host), c.Op, c.Value, c.Values)
	case "path":
		return op(ctx.Path, c.Op, c.Value, c.Values)
	case "query":
		if c.Key == "" {
			// 任一列出的参数存在即命中
			for _, k := range c.Values {
				if _, ok := ctx.Query[k]; ok {
					return true
				}
			}
			return false
		}
		v, ok := ctx.Query[c.Key]
		if !ok {
			return false
		}
		return op(v, c.Op, c.Value, nil)
	default:
		return false
	}
}

func op(s, kind, value string, values []string) bool {
	switch kind {
	case "equals":
		if len(values) > 0 {
			for _, v := range values {
				if s == v {
					return true
				}
			}
			return false
		}
		return s == value
	case "contains":
		return strings.Contains(s, value)
	case "prefix":
		return strings.HasPrefix(s, value)
	case "suffix":
		return strings.HasSuffix(s, value)
	case "regex":
		return matchRegex(s, value)
	default:
		return true
	}
}

func matchRegex(s, pattern string) bool {
	re, err := regexCache.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
