package tap

import (
	"time"

	"hardaltrack/internal/redact"
	"hardaltrack/internal/rules"
	"hardaltrack/pkg/domain"
	"hardaltrack/pkg/traffic"
)

// 厂商格式来源标记
const (
	SourceGA4      = "ga4"
	SourceFacebook = "facebook"
)

// Record 缓冲区中的一条第三方请求记录
type Record struct {
	Source           string            `json:"source"`
	ServerDistinctID string            `json:"server_distinct_id"`
	EventName        string            `json:"event_name,omitempty"`
	ClientID         string            `json:"client_id,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	PageLocation     string            `json:"page_location,omitempty"`
	PageReferrer     string            `json:"page_referrer,omitempty"`
	ConsentState     string            `json:"consent_state,omitempty"`
	PixelID          string            `json:"pixel_id,omitempty"`
	PageURL          string            `json:"page_url,omitempty"`
	Referrer         string            `json:"referrer,omitempty"`
	FBP              string            `json:"fbp,omitempty"`
	Timestamp        string            `json:"timestamp"`
	OriginalURL      string            `json:"original_url"`
	QueryParams      map[string]string `json:"query_params"`
}

// Classifier 一种厂商格式的识别与字段提取
type Classifier struct {
	Name    string
	Enabled func(domain.Config) bool
	Rules   []rules.Rule
	Extract func(req *traffic.Request, r *redact.Redactor, now time.Time) Record

	engine *rules.Engine
}

// Matches 请求是否符合该格式
func (c Classifier) Matches(req *traffic.Request) bool {
	e := c.engine
	if e == nil {
		e = rules.New(c.Rules)
	}
	return e.Eval(ctxOf(req)) != nil
}

func compiled(c Classifier) Classifier {
	c.engine = rules.New(c.Rules)
	return c
}

func ctxOf(req *traffic.Request) rules.Ctx {
	return rules.Ctx{
		Host:  req.Host(),
		Path:  req.Path(),
		Query: req.Query,
	}
}

// GA4 通用分析采集端点：/g/collect，或 v=2 的 /collect
func GA4() Classifier {
	return compiled(Classifier{
		Name:    SourceGA4,
		Enabled: func(c domain.Config) bool { return c.FetchFromGA4 },
		Rules: []rules.Rule{
			{ID: SourceGA4, Match: rules.Match{AllOf: []rules.Condition{
				{Type: "path", Op: "contains", Value: "/g/collect"},
			}}},
			{ID: SourceGA4, Match: rules.Match{AllOf: []rules.Condition{
				{Type: "path", Op: "suffix", Value: "/collect"},
				{Type: "query", Key: "v", Op: "equals", Value: "2"},
			}}},
		},
		Extract: func(req *traffic.Request, r *redact.Redactor, now time.Time) Record {
			q := req.Query
			return Record{
				Source:       SourceGA4,
				EventName:    orDefault(q["en"], "event"),
				ClientID:     firstOf(q, "cid", "_cid"),
				SessionID:    q["sid"],
				PageLocation: r.URL(q["dl"], false, false),
				PageReferrer: r.URL(q["dr"], false, false),
				ConsentState: q["gcs"],
				Timestamp:    isoTime(now),
			}
		},
	})
}

// fbParams 出现任一即视为像素请求
var fbParams = []string{"fb_pixel_id", "fbp", "fbc", "fbci", "fbclid", "fb_source", "fb_action_ids", "fb_action_types", "fb_ref"}

// Pixel 社交像素端点
func Pixel() Classifier {
	return compiled(Classifier{
		Name:    SourceFacebook,
		Enabled: func(c domain.Config) bool { return c.FetchFromFBPixel },
		Rules: []rules.Rule{
			{ID: SourceFacebook, Match: rules.Match{AllOf: []rules.Condition{
				{Type: "host", Op: "equals", Value: "www.facebook.com"},
				{Type: "path", Op: "regex", Value: `^/tr(/|$)`},
			}}},
			{ID: SourceFacebook, Match: rules.Match{AnyOf: []rules.Condition{
				{Type: "host", Op: "equals", Values: []string{"connect.facebook.net", "graph.facebook.com"}},
				{Type: "query", Values: fbParams},
			}}},
		},
		Extract: func(req *traffic.Request, r *redact.Redactor, now time.Time) Record {
			q := req.Query
			ts := q["ts"]
			if ts == "" {
				ts = isoTime(now)
			}
			return Record{
				Source:    SourceFacebook,
				EventName: q["ev"],
				PixelID:   firstOf(q, "id", "fb_pixel_id"),
				PageURL:   r.URL(q["dl"], false, false),
				Referrer:  r.URL(q["rl"], false, false),
				FBP:       q["fbp"],
				Timestamp: ts,
			}
		},
	})
}

// firstOf 依次取第一个非空参数
func firstOf(q map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := q[k]; v != "" {
			return v
		}
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
