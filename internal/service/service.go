// Package service 把分类器、注入脚本、会话管理与持久化组装成对外服务。
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"streamgate/internal/config"
	"streamgate/internal/filter"
	"streamgate/internal/gateway"
	"streamgate/internal/handoff"
	"streamgate/internal/logger"
	"streamgate/internal/sandbox"
	"streamgate/internal/scrubber"
	"streamgate/pkg/model"
	"streamgate/pkg/traffic"
)

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("service: session not found")

// History 播放记录存取
type History interface {
	gateway.Recorder
	Recent(ctx context.Context, limit int) ([]model.Attempt, error)
}

// Deps 服务依赖
type Deps struct {
	Config  *config.Config
	Host    sandbox.Host
	History History // 可为空，此时不持久化
	Logger  logger.Logger
	// OnDirect 会话切换到直连播放时通知，可为空
	OnDirect handoff.Listener
}

// Service 网关服务，实现 api.Service
type Service struct {
	mgr        *gateway.Manager
	classifier *filter.Classifier
	script     string
	history    History
	host       sandbox.Host
	log        logger.Logger
	onDirect   handoff.Listener

	mu       sync.Mutex
	switches map[model.SessionID]*handoff.Switch
}

// New 创建并返回服务实现
func New(d Deps) (*Service, error) {
	if d.Config == nil {
		d.Config = config.NewConfig()
	}
	if d.Host == nil {
		return nil, errors.New("service: sandbox host is required")
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}

	classifier, err := filter.NewClassifier(d.Config.Lists())
	if err != nil {
		return nil, fmt.Errorf("service: classifier: %w", err)
	}
	contract := d.Config.Contract(classifier.MediaExpr())
	script, err := scrubber.Payload(contract)
	if err != nil {
		return nil, fmt.Errorf("service: scrubber payload: %w", err)
	}

	s := &Service{
		classifier: classifier,
		script:     script,
		history:    d.History,
		host:       d.Host,
		log:        d.Logger,
		onDirect:   d.OnDirect,
		switches:   make(map[model.SessionID]*handoff.Switch),
	}
	mc := gateway.ManagerConfig{
		Host:          d.Host,
		Classifier:    classifier,
		Script:        script,
		ReportBinding: contract.ReportBinding,
		Logger:        d.Logger,
		StallTimeout:  d.Config.StallTimeout(),
		KeepSandbox:   d.Config.Gateway.KeepSandbox,
		NewHandoff:    s.newHandoff,
	}
	if d.History != nil {
		mc.Recorder = d.History
	}
	s.mgr = gateway.NewManager(mc)

	d.Logger.Info("网关服务已就绪",
		"blocklist", classifier.Blocklist().Len(),
		"media", classifier.MediaExpr(),
		"scrubberVersion", contract.Version,
	)
	return s, nil
}

func (s *Service) newHandoff(id model.SessionID, _ model.SessionConfig) gateway.Handoff {
	var listeners []handoff.Listener
	if s.onDirect != nil {
		listeners = append(listeners, s.onDirect)
	}
	sw := handoff.NewSwitch(id, s.log, listeners...)
	s.mu.Lock()
	s.switches[id] = sw
	s.mu.Unlock()
	return sw
}

func (s *Service) handoffOf(id model.SessionID) *handoff.Switch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches[id]
}

func (s *Service) controller(id model.SessionID) (*gateway.Controller, error) {
	c, ok := s.mgr.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return c, nil
}

// StartSession 创建会话并开始加载；加载失败时会话仍可重试
func (s *Service) StartSession(ctx context.Context, cfg model.SessionConfig) (model.SessionID, error) {
	c, err := s.mgr.Create(cfg)
	s.pruneSwitches()
	if err != nil {
		return "", err
	}
	if err := c.Start(ctx); err != nil {
		return c.ID(), err
	}
	return c.ID(), nil
}

// StopSession 停止会话
func (s *Service) StopSession(id model.SessionID) error {
	if !s.mgr.Delete(id) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.mu.Lock()
	delete(s.switches, id)
	s.mu.Unlock()
	return nil
}

// RetrySession 重试失败的会话，交接器回到代理浏览模式
func (s *Service) RetrySession(ctx context.Context, id model.SessionID) error {
	c, err := s.controller(id)
	if err != nil {
		return err
	}
	if c.State() != model.StateFailed {
		return gateway.ErrNotFailed
	}
	if sw := s.handoffOf(id); sw != nil {
		sw.Reset()
	}
	return c.Retry(ctx)
}

// GetSession 返回会话快照
func (s *Service) GetSession(id model.SessionID) (model.SessionInfo, error) {
	c, err := s.controller(id)
	if err != nil {
		return model.SessionInfo{}, err
	}
	return s.info(c), nil
}

// ListSessions 返回全部会话快照
func (s *Service) ListSessions() []model.SessionInfo {
	list := s.mgr.List()
	out := make([]model.SessionInfo, 0, len(list))
	for _, c := range list {
		out = append(out, s.info(c))
	}
	return out
}

func (s *Service) info(c *gateway.Controller) model.SessionInfo {
	info := c.Info()
	if sw := s.handoffOf(c.ID()); sw != nil {
		info.Mode = string(sw.Mode())
	}
	return info
}

// SubscribeEvents 订阅会话事件
func (s *Service) SubscribeEvents(id model.SessionID) (<-chan model.Event, func(), error) {
	c, err := s.controller(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := c.Subscribe()
	return ch, cancel, nil
}

// Classify 离线判定单个地址；origin 为空时不启用同源规则
func (s *Service) Classify(rawURL, origin string) model.Verdict {
	cl := s.classifier
	if origin != "" {
		cl = cl.WithOrigin(origin)
	}
	v := cl.Evaluate(traffic.NewRequest(rawURL))
	return model.Verdict{
		URL:      rawURL,
		Decision: v.Decision.String(),
		Reason:   string(v.Reason),
		Match:    v.Match,
		MediaURL: v.MediaURL,
	}
}

// ScrubberScript 返回注入页面的脚本
func (s *Service) ScrubberScript() string { return s.script }

// History 返回最近的播放记录
func (s *Service) History(ctx context.Context, limit int) ([]model.Attempt, error) {
	if s.history == nil {
		return []model.Attempt{}, nil
	}
	return s.history.Recent(ctx, limit)
}

// Close 销毁全部会话并关闭沙箱宿主
func (s *Service) Close() error {
	s.mgr.CloseAll()
	s.mu.Lock()
	s.switches = make(map[model.SessionID]*handoff.Switch)
	s.mu.Unlock()
	return s.host.Close()
}

// pruneSwitches 清理被同一播放器新会话替换掉的交接器
func (s *Service) pruneSwitches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.switches {
		if _, ok := s.mgr.Get(id); !ok {
			delete(s.switches, id)
		}
	}
}
