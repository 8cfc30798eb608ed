package domain

type SessionID string
type TargetID string

// SessionConfig 启动一个埋点会话所需的参数
type SessionConfig struct {
	DevToolsURL string   `json:"devToolsURL" yaml:"devToolsURL"`
	Target      TargetID `json:"target" yaml:"target"`
	Tracker     Config   `json:"tracker" yaml:"tracker"`
}

// TargetInfo 浏览器中可附加的页面目标
type TargetInfo struct {
	ID    TargetID `json:"id"`
	Type  string   `json:"type"`
	URL   string   `json:"url"`
	Title string   `json:"title"`
}

// SessionStatus 会话运行状态快照
type SessionStatus struct {
	ID          SessionID `json:"id"`
	Target      TargetID  `json:"target"`
	Initialized bool      `json:"initialized"`
	Disabled    bool      `json:"disabled"`
	Cache       string    `json:"cache"`
	CurrentURL  string    `json:"currentURL"`
	Pending     int       `json:"pending"`
}
