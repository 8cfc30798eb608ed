package payload

import (
	"regexp"
	"strings"
)

const unknown = "unknown"

var (
	tabletPattern        = regexp.MustCompile(`(?i)tablet|ipad|playbook|silk`)
	mobilePattern        = regexp.MustCompile(`Mobile|Android|iP(hone|od)|IEMobile|BlackBerry|Kindle|Silk-Accelerated|(hpw|web)OS|Opera M(obi|ini)`)
	safariVersionPattern = regexp.MustCompile(`Version/(\d+\.\d+)`)
)

// DetectBrowser 按 Firefox、Chrome、Safari（非 Chrome）、Edge 的顺序识别浏览器
func DetectBrowser(ua string) (name, version string) {
	switch {
	case ua == "":
		return unknown, unknown
	case strings.Contains(ua, "Firefox/"):
		return "Firefox", tokenAfter(ua, "Firefox/")
	case strings.Contains(ua, "Chrome/"):
		return "Chrome", tokenAfter(ua, "Chrome/")
	case strings.Contains(ua, "Safari/") && !strings.Contains(ua, "Chrome"):
		if m := safariVersionPattern.FindStringSubmatch(ua); m != nil {
			return "Safari", m[1]
		}
		return "Safari", unknown
	case strings.Contains(ua, "Edg/"):
		return "Edge", tokenAfter(ua, "Edg/")
	default:
		return unknown, unknown
	}
}

func tokenAfter(ua, marker string) string {
	_, rest, _ := strings.Cut(ua, marker)
	v, _, _ := strings.Cut(rest, " ")
	if v == "" {
		return unknown
	}
	return v
}

// DetectDevice 依次判断 tablet、mobile，其余为 desktop
func DetectDevice(ua string) string {
	if tabletPattern.MatchString(ua) || androidTablet(ua) {
		return "tablet"
	}
	if mobilePattern.MatchString(ua) {
		return "mobile"
	}
	return "desktop"
}

// androidTablet Android 且其后没有 mobi 标记
func androidTablet(ua string) bool {
	lower := strings.ToLower(ua)
	i := strings.LastIndex(lower, "android")
	return i >= 0 && !strings.Contains(lower[i+len("android"):], "mobi")
}
