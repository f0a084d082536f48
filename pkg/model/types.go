package model

type SessionID string

// State 网关会话状态
type State string

const (
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StateFailed  State = "failed"
	StateClosed  State = "closed"
)

type SessionConfig struct {
	URL        string `json:"url"`
	Player     string `json:"player"` // 同一播放器的新会话会替换旧会话
	ServerName string `json:"serverName"`
	Quality    string `json:"quality"`
}

// SessionInfo 会话快照
type SessionInfo struct {
	ID               SessionID `json:"id"`
	Player           string    `json:"player,omitempty"`
	TargetURL        string    `json:"targetUrl"`
	State            State     `json:"state"`
	Loading          bool      `json:"loading"`
	CapturedMediaURL string    `json:"capturedMediaUrl,omitempty"`
	Mode             string    `json:"mode,omitempty"` // gateway 或 direct
	Attempt          int       `json:"attempt"`
	Allowed          int64     `json:"allowed"`
	Blocked          int64     `json:"blocked"`
	Error            string    `json:"error,omitempty"`
	StartedAt        int64     `json:"startedAt"`
}

// 事件类型
const (
	EventState    = "state"
	EventAllowed  = "allowed"
	EventBlocked  = "blocked"
	EventCaptured = "captured"
	EventLoad     = "load"
)

type Event struct {
	Type      string    `json:"type"`
	Session   SessionID `json:"session"`
	Attempt   int       `json:"attempt"`
	State     State     `json:"state,omitempty"`
	URL       string    `json:"url,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Match     string    `json:"match,omitempty"`
	Source    string    `json:"source,omitempty"`
	TopFrame  bool      `json:"topFrame,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Verdict 单个地址的判定结果
type Verdict struct {
	URL      string `json:"url"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Match    string `json:"match,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

// Attempt 一次播放尝试的持久化记录
type Attempt struct {
	ID         string    `json:"id"`
	Session    SessionID `json:"session"`
	Number     int       `json:"number"`
	Player     string    `json:"player,omitempty"`
	ServerName string    `json:"serverName,omitempty"`
	Quality    string    `json:"quality,omitempty"`
	TargetURL  string    `json:"targetUrl"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	State      State     `json:"state"`
	Allowed    int64     `json:"allowed"`
	Blocked    int64     `json:"blocked"`
	Error      string    `json:"error,omitempty"`
	StartedAt  int64     `json:"startedAt"`
	EndedAt    int64     `json:"endedAt"`
}
