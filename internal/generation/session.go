package generation

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session 代表一个运行中的应用实例，固定在打开时的 Active 代际上，
// 直到 Restart（自然的会话边界）才切换到新代际。
type Session struct {
	id       string
	mgr      *Manager
	openedAt time.Time

	// gen 只在 mgr.mu 下写入，读取无需加锁。
	gen      atomic.Pointer[Generation]
	lastSeen atomic.Int64

	// 以下字段由 mgr.mu 保护。
	restartedAt time.Time
	closed      bool
}

// SessionInfo 是会话的只读快照。
type SessionInfo struct {
	ID          string    `json:"id"`
	Generation  string    `json:"generation"`
	OpenedAt    time.Time `json:"opened_at"`
	RestartedAt time.Time `json:"restarted_at,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	Outdated    bool      `json:"outdated"`
}

// OpenSession 打开新会话并固定当前 Active 代际（可能为空）。
func (m *Manager) OpenSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		id:       uuid.NewString(),
		mgr:      m,
		openedAt: m.now(),
	}
	s.lastSeen.Store(s.openedAt.UnixNano())
	s.pinLocked(m.active.Load())
	m.sessions.Store(s.id, s)
	return s
}

// Session 按 ID 查找仍然打开的会话。
func (m *Manager) Session(id string) (*Session, bool) {
	value, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

// Sessions 返回全部打开的会话快照。
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.active.Load()
	infos := []SessionInfo{}
	m.sessions.Range(func(_, value any) bool {
		infos = append(infos, value.(*Session).infoLocked(active))
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].OpenedAt.Before(infos[j].OpenedAt)
	})
	return infos
}

// PinnedToOlder 报告是否存在固定在非 Active 代际上的会话。
func (m *Manager) PinnedToOlder() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.active.Load()
	pinned := false
	m.sessions.Range(func(_, value any) bool {
		if g := value.(*Session).gen.Load(); g != nil && g != active {
			pinned = true
		}
		return !pinned
	})
	return pinned
}

// Refs 返回固定在 hash 代际上的会话数。
func (m *Manager) Refs(hash string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value, ok := m.generations.Load(hash); ok {
		return value.(*Generation).refs
	}
	return 0
}

// ID 返回会话标识。
func (s *Session) ID() string { return s.id }

// Generation 返回会话当前固定的代际，尚无 Active 时为 nil。
func (s *Session) Generation() *Generation {
	return s.gen.Load()
}

// Touch 记录一次活动，空闲回收以最后活动时间为准。
func (s *Session) Touch() {
	s.lastSeen.Store(s.mgr.now().UnixNano())
}

// LastSeen 返回最后一次活动时间。
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load()).UTC()
}

// Restart 在会话边界切换到当前 Active 代际，返回新的固定代际。
func (s *Session) Restart() *Generation {
	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return s.gen.Load()
	}
	s.unpinLocked()
	s.pinLocked(m.active.Load())
	s.restartedAt = m.now()
	s.lastSeen.Store(s.restartedAt.UnixNano())
	return s.gen.Load()
}

// Close 释放会话对代际的引用，重复调用安全。
func (s *Session) Close() {
	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.unpinLocked()
	s.mgr.sessions.Delete(s.id)
}

// ReapIdle 关闭超过 SessionIdleTimeout 未活动的会话，返回被关闭的会话 ID。
// 未配置超时时不回收。
func (m *Manager) ReapIdle() []string {
	if m.sessionIdle <= 0 {
		return nil
	}
	cutoff := m.now().Add(-m.sessionIdle).UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []string
	m.sessions.Range(func(key, value any) bool {
		s := value.(*Session)
		if s.lastSeen.Load() < cutoff {
			s.closeLocked()
			reaped = append(reaped, key.(string))
		}
		return true
	})
	sort.Strings(reaped)
	return reaped
}

// Info 返回会话快照。
func (s *Session) Info() SessionInfo {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	return s.infoLocked(s.mgr.active.Load())
}

func (s *Session) infoLocked(active *Generation) SessionInfo {
	info := SessionInfo{
		ID:          s.id,
		OpenedAt:    s.openedAt,
		RestartedAt: s.restartedAt,
		LastSeen:    s.LastSeen(),
	}
	g := s.gen.Load()
	if g != nil {
		info.Generation = g.hash
	}
	info.Outdated = active != nil && g != active
	return info
}

func (s *Session) pinLocked(g *Generation) {
	s.gen.Store(g)
	if g != nil {
		g.refs++
	}
}

func (s *Session) unpinLocked() {
	if g := s.gen.Swap(nil); g != nil {
		g.refs--
	}
}
