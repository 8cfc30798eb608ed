package rules

import (
	"regexp"
	"sync"
)

type reCache struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

var regexCache = &reCache{m: make(map[string]*regexp.Regexp)}

// Get 编译并缓存正则，非法表达式不缓存
func (c *reCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.m[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[pattern] = re
	c.mu.Unlock()
	return re, nil
}
