package api

import (
	"context"

	"streamgate/internal/service"
	"streamgate/pkg/model"
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话，同一播放器的旧会话会被替换
	StartSession(ctx context.Context, cfg model.SessionConfig) (model.SessionID, error)

	// StopSession 停止会话
	StopSession(id model.SessionID) error

	// RetrySession 重试失败的会话
	RetrySession(ctx context.Context, id model.SessionID) error

	// GetSession 获取会话快照
	GetSession(id model.SessionID) (model.SessionInfo, error)

	// ListSessions 列出会话
	ListSessions() []model.SessionInfo

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.SessionID) (<-chan model.Event, func(), error)

	// Classify 判定单个地址
	Classify(rawURL, origin string) model.Verdict

	// ScrubberScript 获取注入脚本
	ScrubberScript() string

	// History 获取播放记录
	History(ctx context.Context, limit int) ([]model.Attempt, error)

	// Close 关闭服务
	Close() error
}

var _ Service = (*service.Service)(nil)

// NewService 创建并返回服务接口实现
func NewService(d service.Deps) (Service, error) {
	s, err := service.New(d)
	if err != nil {
		return nil, err
	}
	return s, nil
}
