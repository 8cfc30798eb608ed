package redact

import "errors"

var errNotAbsolute = errors.New("malformed absolute url")

var defaultRedactor = &Redactor{Mode: ModeCoarse}

// RedactURL 使用默认（coarse、无页面基址）策略脱敏
func RedactURL(raw string, excludeSearch, excludeHash bool) string {
	return defaultRedactor.URL(raw, excludeSearch, excludeHash)
}

// RedactQueryParams 使用默认策略逐参数脱敏
func RedactQueryParams(params map[string]string) map[string]string {
	return defaultRedactor.QueryParams(params)
}
