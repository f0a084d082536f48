package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session 单次播放尝试的可变状态，仅由 Controller 持有和修改
type Session struct {
	ID        string
	Number    int
	TargetURL string
	StartedAt time.Time

	mu       sync.Mutex
	captured string
	loading  bool

	allowed atomic.Int64
	blocked atomic.Int64
}

func newSession(id string, number int, target string) *Session {
	return &Session{
		ID:        id,
		Number:    number,
		TargetURL: target,
		StartedAt: time.Now(),
		loading:   true,
	}
}

// Capture 记录媒体地址，首次命中生效；返回是否本次写入
func (s *Session) Capture(url string) bool {
	if url == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captured != "" {
		return false
	}
	s.captured = url
	return true
}

// CapturedMediaURL 返回已捕获的媒体地址
func (s *Session) CapturedMediaURL() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captured, s.captured != ""
}

func (s *Session) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

// Loading 页面是否处于加载中
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Counters 返回放行/拦截计数
func (s *Session) Counters() (allowed, blocked int64) {
	return s.allowed.Load(), s.blocked.Load()
}
