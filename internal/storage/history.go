package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"streamgate/pkg/model"
)

// AttemptRecord 播放尝试表，表名带配置前缀
type AttemptRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	SessionID  string `gorm:"index;size:36"`
	Number     int
	Player     string `gorm:"index"`
	ServerName string
	Quality    string
	TargetURL  string
	MediaURL   string
	State      string `gorm:"index"`
	Allowed    int64
	Blocked    int64
	Error      string
	StartedAt  int64 `gorm:"index"`
	EndedAt    int64
}

// History 播放尝试仓库
type History struct {
	db *gorm.DB
}

// NewHistory 创建仓库
func NewHistory(db *gorm.DB) *History {
	return &History{db: db}
}

// Record 写入或覆盖一次尝试（同一尝试的终态可能先后写入多次）
func (h *History) Record(ctx context.Context, a model.Attempt) error {
	rec := toRecord(a)
	err := h.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("storage: record attempt %s: %w", a.ID, err)
	}
	return nil
}

// Recent 按开始时间倒序返回最近的尝试
func (h *History) Recent(ctx context.Context, limit int) ([]model.Attempt, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var recs []AttemptRecord
	err := h.db.WithContext(ctx).Order("started_at desc").Order("number desc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list attempts: %w", err)
	}
	return toAttempts(recs), nil
}

// BySession 返回某个会话的全部尝试
func (h *History) BySession(ctx context.Context, id model.SessionID) ([]model.Attempt, error) {
	var recs []AttemptRecord
	err := h.db.WithContext(ctx).Where("session_id = ?", string(id)).Order("number asc").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list session %s: %w", id, err)
	}
	return toAttempts(recs), nil
}

func toRecord(a model.Attempt) AttemptRecord {
	return AttemptRecord{
		ID:         a.ID,
		SessionID:  string(a.Session),
		Number:     a.Number,
		Player:     a.Player,
		ServerName: a.ServerName,
		Quality:    a.Quality,
		TargetURL:  a.TargetURL,
		MediaURL:   a.MediaURL,
		State:      string(a.State),
		Allowed:    a.Allowed,
		Blocked:    a.Blocked,
		Error:      a.Error,
		StartedAt:  a.StartedAt,
		EndedAt:    a.EndedAt,
	}
}

func toAttempts(recs []AttemptRecord) []model.Attempt {
	out := make([]model.Attempt, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.Attempt{
			ID:         r.ID,
			Session:    model.SessionID(r.SessionID),
			Number:     r.Number,
			Player:     r.Player,
			ServerName: r.ServerName,
			Quality:    r.Quality,
			TargetURL:  r.TargetURL,
			MediaURL:   r.MediaURL,
			State:      model.State(r.State),
			Allowed:    r.Allowed,
			Blocked:    r.Blocked,
			Error:      r.Error,
			StartedAt:  r.StartedAt,
			EndedAt:    r.EndedAt,
		})
	}
	return out
}
