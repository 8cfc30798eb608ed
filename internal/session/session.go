package session

import (
	"errors"
	"sync"

	"hardaltrack/pkg/domain"
)

// Session 单个引擎实例私有的会话状态
type Session struct {
	ID domain.SessionID

	mu          sync.RWMutex
	disabled    bool
	cache       string
	currentURL  string
	referrer    string
	title       string
	initialized bool
	cleanups    []func() error
}

// New 创建会话
func New(id domain.SessionID) *Session {
	return &Session{ID: id}
}

// Disabled 服务端是否已禁用发送
func (s *Session) Disabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disabled
}

// Cache 最近一次服务端下发的缓存令牌
func (s *Session) Cache() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache
}

// Absorb 吸收服务端响应中的 disabled 与 cache 指令；disabled 一旦为真不会被重置
func (s *Session) Absorb(resp domain.WireResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.Disabled {
		s.disabled = true
	}
	if resp.Cache != "" {
		s.cache = resp.Cache
	}
}

// CurrentURL 最近记录的（已脱敏）页面地址
func (s *Session) CurrentURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentURL
}

// SetCurrentURL 初始化当前地址，不影响 referrer
func (s *Session) SetCurrentURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentURL = u
}

// Navigate 记录新地址；地址未变化返回 false，变化时旧地址成为 referrer
func (s *Session) Navigate(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == s.currentURL {
		return false
	}
	if s.currentURL != "" {
		s.referrer = s.currentURL
	}
	s.currentURL = u
	return true
}

// Referrer 会话内上一页地址，首屏为空
func (s *Session) Referrer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referrer
}

func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

func (s *Session) SetTitle(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = t
}

func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *Session) SetInitialized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = v
}

// Defer 登记一个清理函数，Cleanup 时按登记的逆序执行
func (s *Session) Defer(fn func() error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Cleanup 执行并清空全部清理函数，可重复调用
func (s *Session) Cleanup() error {
	s.mu.Lock()
	fns := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending 尚未执行的清理函数数量
func (s *Session) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cleanups)
}

// Status 会话快照
func (s *Session) Status() domain.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.SessionStatus{
		ID:          s.ID,
		Initialized: s.initialized,
		Disabled:    s.disabled,
		Cache:       s.cache,
		CurrentURL:  s.currentURL,
		Pending:     len(s.cleanups),
	}
}
