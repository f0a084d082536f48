// Package handoff 实现宿主从"代理浏览"切换到"直连播放"的状态转换。
package handoff

import (
	"sync"
	"time"

	"streamgate/internal/logger"
	"streamgate/pkg/model"
)

// Mode 宿主播放模式
type Mode string

const (
	ModeGateway Mode = "gateway" // 沙箱代理浏览中
	ModeDirect  Mode = "direct"  // 使用媒体地址直连播放
)

// Listener 模式切换通知
type Listener func(id model.SessionID, mediaURL string)

// Switch 单个会话的播放交接，直连地址只接受一次
type Switch struct {
	id  model.SessionID
	log logger.Logger

	mu         sync.Mutex
	mode       Mode
	mediaURL   string
	switchedAt time.Time
	listeners  []Listener
}

// NewSwitch 创建处于代理浏览模式的交接器
func NewSwitch(id model.SessionID, l logger.Logger, listeners ...Listener) *Switch {
	if l == nil {
		l = logger.NewNop()
	}
	return &Switch{id: id, log: l, mode: ModeGateway, listeners: listeners}
}

// OnMediaURLCaptured 切换到直连播放；已切换时忽略
func (s *Switch) OnMediaURLCaptured(url string) {
	s.mu.Lock()
	if s.mode == ModeDirect || url == "" {
		s.mu.Unlock()
		return
	}
	s.mode = ModeDirect
	s.mediaURL = url
	s.switchedAt = time.Now()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.log.Info("切换到直连播放", "sessionID", string(s.id), "url", url)
	for _, fn := range listeners {
		fn(s.id, url)
	}
}

// Reset 回到代理浏览模式（重试或更换服务器时）
func (s *Switch) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = ModeGateway
	s.mediaURL = ""
	s.switchedAt = time.Time{}
}

// Mode 返回当前模式
func (s *Switch) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// MediaURL 返回直连地址
func (s *Switch) MediaURL() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaURL, s.mode == ModeDirect
}

// SwitchedAt 返回切换时间
func (s *Switch) SwitchedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchedAt
}
