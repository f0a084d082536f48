package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamgate/internal/filter"
	"streamgate/internal/logger"
	"streamgate/internal/sandbox"
	"streamgate/pkg/model"
)

// ManagerConfig 会话管理器依赖
type ManagerConfig struct {
	Host          sandbox.Host
	Classifier    *filter.Classifier
	Script        string
	ReportBinding string
	Recorder      Recorder
	Logger        logger.Logger
	StallTimeout  time.Duration
	KeepSandbox   bool
	// NewHandoff 为每个会话创建播放交接，可为空
	NewHandoff func(id model.SessionID, cfg model.SessionConfig) Handoff
}

// Manager 全局会话管理器
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Controller
	players  map[string]model.SessionID
	cfg      ManagerConfig
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[model.SessionID]*Controller),
		players:  make(map[string]model.SessionID),
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Create 创建并注册新会话；同一播放器的旧会话先被销毁
func (m *Manager) Create(sc model.SessionConfig) (*Controller, error) {
	id := model.SessionID(uuid.NewString())
	var h Handoff
	if m.cfg.NewHandoff != nil {
		h = m.cfg.NewHandoff(id, sc)
	}
	c, err := New(Options{
		ID:            id,
		Config:        sc,
		Host:          m.cfg.Host,
		Classifier:    m.cfg.Classifier,
		Script:        m.cfg.Script,
		ReportBinding: m.cfg.ReportBinding,
		Handoff:       h,
		Recorder:      m.cfg.Recorder,
		Logger:        m.cfg.Logger,
		StallTimeout:  m.cfg.StallTimeout,
		KeepSandbox:   m.cfg.KeepSandbox,
	})
	if err != nil {
		return nil, err
	}

	var replaced *Controller
	m.mu.Lock()
	if sc.Player != "" {
		if prev, ok := m.players[sc.Player]; ok {
			replaced = m.sessions[prev]
			delete(m.sessions, prev)
		}
		m.players[sc.Player] = id
	}
	m.sessions[id] = c
	m.mu.Unlock()

	if replaced != nil {
		m.log.Info("播放器切换服务器，销毁旧会话", "player", sc.Player, "sessionID", string(replaced.ID()))
		_ = replaced.Close()
	}
	m.log.Info("创建网关会话", "sessionID", string(id), "url", sc.URL)
	return c, nil
}

// Start 创建并启动会话；加载失败时会话仍保留以便重试
func (m *Manager) Start(ctx context.Context, sc model.SessionConfig) (*Controller, error) {
	c, err := m.Create(sc)
	if err != nil {
		return nil, err
	}
	return c, c.Start(ctx)
}

// Get 获取会话
func (m *Manager) Get(id model.SessionID) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	return c, ok
}

// Delete 销毁会话
func (m *Manager) Delete(id model.SessionID) bool {
	m.mu.Lock()
	c, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if p := c.opts.Config.Player; p != "" && m.players[p] == id {
			delete(m.players, p)
		}
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	_ = c.Close()
	m.log.Info("销毁网关会话", "sessionID", string(id))
	return true
}

// List 返回所有活动会话
func (m *Manager) List() []*Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		list = append(list, c)
	}
	return list
}

// CloseAll 销毁全部会话
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[model.SessionID]*Controller)
	m.players = make(map[string]model.SessionID)
	m.mu.Unlock()

	for _, c := range all {
		_ = c.Close()
	}
}
