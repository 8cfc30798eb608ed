package session

import (
	"sync"

	"github.com/google/uuid"

	"hardaltrack/internal/logger"
	"hardaltrack/pkg/domain"
)

// Manager 进程内埋点会话注册表，每个会话对应一个引擎实例
type Manager struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[domain.SessionID]*Session),
		log:      l,
	}
}

// Create 创建并注册新会话；id 为空时生成一个
func (m *Manager) Create(id domain.SessionID) *Session {
	if id == "" {
		id = domain.SessionID(uuid.NewString())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := New(id)
	m.sessions[id] = s
	m.log.Info("创建埋点会话", "sessionID", string(id))
	return s
}

// Get 获取会话
func (m *Manager) Get(id domain.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 注销会话并执行其剩余清理函数
func (m *Manager) Delete(id domain.SessionID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.log.Info("销毁埋点会话", "sessionID", string(id))
	return s.Cleanup()
}

// List 返回所有活动会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}
