package domain

import "strings"

// 查询参数脱敏模式
const (
	RedactionCoarse = "coarse"
	RedactionFine   = "fine"
)

// Config 埋点引擎配置
type Config struct {
	Website  string `json:"website" yaml:"website"`
	HostURL  string `json:"hostUrl" yaml:"hostUrl"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	AutoTrack     bool     `json:"autoTrack" yaml:"autoTrack"`
	DoNotTrack    bool     `json:"doNotTrack" yaml:"doNotTrack"`
	ExcludeSearch bool     `json:"excludeSearch" yaml:"excludeSearch"`
	ExcludeHash   bool     `json:"excludeHash" yaml:"excludeHash"`
	Domains       []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	Disabled      bool     `json:"disabled" yaml:"disabled"`
	RedactionMode string   `json:"redactionMode,omitempty" yaml:"redactionMode,omitempty"`

	FetchFromGA4       bool `json:"fetchFromGA4" yaml:"fetchFromGA4"`
	FetchFromFBPixel   bool `json:"fetchFromFBPixel" yaml:"fetchFromFBPixel"`
	FetchFromRTB       bool `json:"fetchFromRTB" yaml:"fetchFromRTB"`
	FetchFromDataLayer bool `json:"fetchFromDataLayer" yaml:"fetchFromDataLayer"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		AutoTrack:     true,
		RedactionMode: RedactionCoarse,
	}
}

// Destination 返回上报地址，hostUrl 优先于 endpoint
func (c Config) Destination() string {
	host := c.HostURL
	if host == "" {
		host = c.Endpoint
	}
	return strings.TrimRight(strings.TrimSpace(host), "/")
}

// ValidScheme 上报地址是否以 http(s):// 开头
func (c Config) ValidScheme() bool {
	d := strings.ToLower(c.Destination())
	return strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://")
}

// CaptureEnabled 是否开启了任一第三方请求采集
func (c Config) CaptureEnabled() bool {
	return c.FetchFromGA4 || c.FetchFromFBPixel || c.FetchFromRTB
}

// DomainAllowed 判断主机名是否在白名单内，白名单为空时全部放行
func (c Config) DomainAllowed(hostname string) bool {
	if len(c.Domains) == 0 {
		return true
	}
	hostname = strings.ToLower(hostname)
	for _, d := range c.Domains {
		if strings.ToLower(strings.TrimSpace(d)) == hostname {
			return true
		}
	}
	return false
}

// ConfigPatch configure 调用的局部覆盖，nil 字段保持原值
type ConfigPatch struct {
	Website  *string `json:"website,omitempty" yaml:"website,omitempty"`
	HostURL  *string `json:"hostUrl,omitempty" yaml:"hostUrl,omitempty"`
	Endpoint *string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	AutoTrack     *bool     `json:"autoTrack,omitempty" yaml:"autoTrack,omitempty"`
	DoNotTrack    *bool     `json:"doNotTrack,omitempty" yaml:"doNotTrack,omitempty"`
	ExcludeSearch *bool     `json:"excludeSearch,omitempty" yaml:"excludeSearch,omitempty"`
	ExcludeHash   *bool     `json:"excludeHash,omitempty" yaml:"excludeHash,omitempty"`
	Domains       *[]string `json:"domains,omitempty" yaml:"domains,omitempty"`
	Disabled      *bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	RedactionMode *string   `json:"redactionMode,omitempty" yaml:"redactionMode,omitempty"`

	FetchFromGA4       *bool `json:"fetchFromGA4,omitempty" yaml:"fetchFromGA4,omitempty"`
	FetchFromFBPixel   *bool `json:"fetchFromFBPixel,omitempty" yaml:"fetchFromFBPixel,omitempty"`
	FetchFromRTB       *bool `json:"fetchFromRTB,omitempty" yaml:"fetchFromRTB,omitempty"`
	FetchFromDataLayer *bool `json:"fetchFromDataLayer,omitempty" yaml:"fetchFromDataLayer,omitempty"`
}

// Merge 浅合并，patch 中非 nil 的字段覆盖当前值
func (c Config) Merge(p ConfigPatch) Config {
	setStr(&c.Website, p.Website)
	setStr(&c.HostURL, p.HostURL)
	setStr(&c.Endpoint, p.Endpoint)
	setStr(&c.RedactionMode, p.RedactionMode)
	setBool(&c.AutoTrack, p.AutoTrack)
	setBool(&c.DoNotTrack, p.DoNotTrack)
	setBool(&c.ExcludeSearch, p.ExcludeSearch)
	setBool(&c.ExcludeHash, p.ExcludeHash)
	setBool(&c.Disabled, p.Disabled)
	setBool(&c.FetchFromGA4, p.FetchFromGA4)
	setBool(&c.FetchFromFBPixel, p.FetchFromFBPixel)
	setBool(&c.FetchFromRTB, p.FetchFromRTB)
	setBool(&c.FetchFromDataLayer, p.FetchFromDataLayer)
	if p.Domains != nil {
		c.Domains = append([]string(nil), (*p.Domains)...)
	}
	return c
}

// PatchFrom 把完整配置转换为全量覆盖的 patch（配置热加载时使用）
func PatchFrom(c Config) ConfigPatch {
	domains := append([]string(nil), c.Domains...)
	return ConfigPatch{
		Website:            &c.Website,
		HostURL:            &c.HostURL,
		Endpoint:           &c.Endpoint,
		AutoTrack:          &c.AutoTrack,
		DoNotTrack:         &c.DoNotTrack,
		ExcludeSearch:      &c.ExcludeSearch,
		ExcludeHash:        &c.ExcludeHash,
		Domains:            &domains,
		Disabled:           &c.Disabled,
		RedactionMode:      &c.RedactionMode,
		FetchFromGA4:       &c.FetchFromGA4,
		FetchFromFBPixel:   &c.FetchFromFBPixel,
		FetchFromRTB:       &c.FetchFromRTB,
		FetchFromDataLayer: &c.FetchFromDataLayer,
	}
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
