package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamgate/internal/filter"
	"streamgate/internal/logger"
	"streamgate/internal/sandbox"
	"streamgate/pkg/model"
	"streamgate/pkg/traffic"
)

var (
	// ErrInvalidTarget 目标地址无法加载
	ErrInvalidTarget = errors.New("gateway: invalid target url")
	// ErrAlreadyStarted 会话已启动
	ErrAlreadyStarted = errors.New("gateway: session already started")
	// ErrNotFailed 仅失败状态允许重试
	ErrNotFailed = errors.New("gateway: retry requires failed state")
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("gateway: session closed")
	// ErrStalled 超时仍未捕获媒体地址
	ErrStalled = errors.New("gateway: no media url captured before stall timeout")
)

// Handoff 接收捕获到的媒体地址，每个会话至多调用一次
type Handoff interface {
	OnMediaURLCaptured(url string)
}

// HandoffFunc 函数适配器
type HandoffFunc func(url string)

// OnMediaURLCaptured 实现 Handoff
func (f HandoffFunc) OnMediaURLCaptured(url string) { f(url) }

// Recorder 持久化播放尝试
type Recorder interface {
	Record(ctx context.Context, a model.Attempt) error
}

// Options 控制器构建参数
type Options struct {
	ID            model.SessionID
	Config        model.SessionConfig
	Host          sandbox.Host
	Classifier    *filter.Classifier
	Script        string
	ReportBinding string
	Handoff       Handoff
	Recorder      Recorder
	Logger        logger.Logger
	StallTimeout  time.Duration // 0 表示不超时
	KeepSandbox   bool          // 捕获后保留视图作为后备
}

// Controller 持有沙箱视图的生命周期并驱动 LOADING/PLAYING/FAILED 状态机
type Controller struct {
	opts       Options
	classifier *filter.Classifier
	log        logger.Logger

	mu      sync.Mutex
	state   model.State
	session *Session
	view    sandbox.View
	attempt int
	lastErr error
	stall   *time.Timer
	writes  sync.WaitGroup // 未完成的异步记录写入

	subMu   sync.Mutex
	subs    map[int]chan model.Event
	nextSub int
}

// New 创建控制器，不会立即加载
func New(opts Options) (*Controller, error) {
	if err := validateTarget(opts.Config.URL); err != nil {
		return nil, err
	}
	if opts.Host == nil || opts.Classifier == nil {
		return nil, errors.New("gateway: host and classifier are required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.ID == "" {
		opts.ID = model.SessionID(uuid.NewString())
	}
	return &Controller{
		opts:       opts,
		classifier: opts.Classifier.WithOrigin(opts.Config.URL),
		log:        opts.Logger.With("session", string(opts.ID)),
		subs:       make(map[int]chan model.Event),
	}, nil
}

func validateTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	return nil
}

// ID 返回会话ID
func (c *Controller) ID() model.SessionID { return c.opts.ID }

// Start 进入 LOADING 并加载目标页
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == model.StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != "" {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	s := c.nextAttemptLocked()
	c.mu.Unlock()

	return c.launch(ctx, s)
}

// Retry 仅在 FAILED 时以全新会话重新加载同一目标
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case model.StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case model.StateFailed:
	default:
		c.mu.Unlock()
		return ErrNotFailed
	}
	s := c.nextAttemptLocked()
	c.mu.Unlock()

	c.log.Info("用户重试会话", "attempt", s.Number)
	return c.launch(ctx, s)
}

func (c *Controller) nextAttemptLocked() *Session {
	c.attempt++
	s := newSession(uuid.NewString(), c.attempt, c.opts.Config.URL)
	c.session = s
	c.state = model.StateLoading
	c.lastErr = nil
	return s
}

// launch 打开视图并加载；失败时转入 FAILED
func (c *Controller) launch(ctx context.Context, s *Session) error {
	c.emitState(s, model.StateLoading, nil)

	view, err := c.opts.Host.Open(ctx, &sessionHooks{c: c, s: s})
	if err != nil {
		err = fmt.Errorf("gateway: open sandbox: %w", err)
		c.fail(s, err)
		return err
	}

	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		_ = view.Close()
		return ErrClosed
	}
	if c.state != model.StateLoading {
		// 打开视图期间已经捕获或失败
		state, lastErr := c.state, c.lastErr
		keep := state == model.StatePlaying && c.opts.KeepSandbox
		if keep {
			c.view = view
		}
		c.mu.Unlock()
		if !keep {
			_ = view.Close()
		}
		if state == model.StateFailed {
			return lastErr
		}
		return nil
	}
	c.view = view
	if c.opts.StallTimeout > 0 {
		c.stall = time.AfterFunc(c.opts.StallTimeout, func() { c.fail(s, ErrStalled) })
	}
	c.mu.Unlock()

	c.log.Info("开始加载嵌入页", "url", s.TargetURL, "attempt", s.Number)
	err = view.Load(ctx, s.TargetURL, sandbox.LoadOptions{Script: c.opts.Script, ReportBinding: c.opts.ReportBinding})
	if err != nil {
		err = fmt.Errorf("gateway: load %s: %w", s.TargetURL, err)
		c.fail(s, err)
		return err
	}
	return nil
}

// Close 拆除视图；旧会话的回调随后全部被忽略
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == model.StateClosed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = model.StateClosed
	s := c.session
	view := c.view
	c.view = nil
	c.stopStallLocked()
	c.mu.Unlock()

	var err error
	if view != nil {
		err = view.Close()
	}
	if s != nil {
		c.emitState(s, model.StateClosed, nil)
		if prev == model.StateLoading {
			c.record(s, model.StateClosed, nil)
		}
	}
	c.closeSubscribers()
	c.writes.Wait()
	c.log.Info("会话已关闭", "previous", prev)
	return err
}

// Info 返回当前快照
func (c *Controller) Info() model.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := model.SessionInfo{
		ID:        c.opts.ID,
		Player:    c.opts.Config.Player,
		TargetURL: c.opts.Config.URL,
		State:     c.state,
		Attempt:   c.attempt,
	}
	if c.lastErr != nil {
		info.Error = c.lastErr.Error()
	}
	if s := c.session; s != nil {
		info.CapturedMediaURL, _ = s.CapturedMediaURL()
		info.Loading = s.Loading() && c.state == model.StateLoading
		info.Allowed, info.Blocked = s.Counters()
		info.StartedAt = s.StartedAt.UnixMilli()
	}
	return info
}

// State 返回当前状态
func (c *Controller) State() model.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Classifier 返回绑定到目标来源的分类器
func (c *Controller) Classifier() *filter.Classifier { return c.classifier }

func (c *Controller) currentLocked(s *Session) bool {
	return c.session == s && c.state != model.StateClosed
}

func (c *Controller) current(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(s)
}

func (c *Controller) stopStallLocked() {
	if c.stall != nil {
		c.stall.Stop()
		c.stall = nil
	}
}

// capture LOADING → PLAYING，仅对当前会话的首个媒体地址生效
func (c *Controller) capture(s *Session, mediaURL string, source traffic.Source) {
	c.mu.Lock()
	if !c.currentLocked(s) || c.state != model.StateLoading {
		c.mu.Unlock()
		return
	}
	if !s.Capture(mediaURL) {
		c.mu.Unlock()
		return
	}
	c.state = model.StatePlaying
	c.stopStallLocked()
	var view sandbox.View
	if !c.opts.KeepSandbox {
		view = c.view
		c.view = nil
	}
	c.writes.Add(1)
	c.mu.Unlock()

	c.log.Info("捕获媒体地址", "url", mediaURL, "source", source, "attempt", s.Number)
	c.emit(model.Event{Type: model.EventCaptured, Attempt: s.Number, URL: mediaURL, Source: string(source)})
	c.emitState(s, model.StatePlaying, nil)

	if c.opts.Handoff != nil {
		c.opts.Handoff.OnMediaURLCaptured(mediaURL)
	}
	if view != nil {
		// 回调处于宿主的拦截路径中，异步关闭避免阻塞宿主
		go func() {
			if err := view.Close(); err != nil {
				c.log.Err(err, "关闭沙箱视图失败")
			}
		}()
	}
	go func() {
		defer c.writes.Done()
		c.record(s, model.StatePlaying, nil)
	}()
}

// fail LOADING → FAILED
func (c *Controller) fail(s *Session, err error) {
	c.mu.Lock()
	if !c.currentLocked(s) || c.state != model.StateLoading {
		c.mu.Unlock()
		return
	}
	c.state = model.StateFailed
	c.lastErr = err
	c.stopStallLocked()
	view := c.view
	c.view = nil
	c.writes.Add(1)
	c.mu.Unlock()

	c.log.Err(err, "嵌入页加载失败", "attempt", s.Number)
	if view != nil {
		go func() { _ = view.Close() }()
	}
	c.emitState(s, model.StateFailed, err)
	go func() {
		defer c.writes.Done()
		c.record(s, model.StateFailed, err)
	}()
}

func (c *Controller) record(s *Session, state model.State, err error) {
	if c.opts.Recorder == nil {
		return
	}
	media, _ := s.CapturedMediaURL()
	allowed, blocked := s.Counters()
	a := model.Attempt{
		ID:         s.ID,
		Session:    c.opts.ID,
		Number:     s.Number,
		Player:     c.opts.Config.Player,
		ServerName: c.opts.Config.ServerName,
		Quality:    c.opts.Config.Quality,
		TargetURL:  s.TargetURL,
		MediaURL:   media,
		State:      state,
		Allowed:    allowed,
		Blocked:    blocked,
		StartedAt:  s.StartedAt.UnixMilli(),
		EndedAt:    time.Now().UnixMilli(),
	}
	if err != nil {
		a.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := c.opts.Recorder.Record(ctx, a); rerr != nil {
		c.log.Err(rerr, "保存播放记录失败", "attempt", s.Number)
	}
}

// sessionHooks 把宿主回调绑定到具体会话，旧会话的回调不会影响新会话
type sessionHooks struct {
	c *Controller
	s *Session
}

func (h *sessionHooks) OnRequest(req traffic.Request) bool {
	c, s := h.c, h.s
	if !c.current(s) {
		return false
	}

	v := c.classifier.Evaluate(req)
	allow := v.Decision == filter.Allow
	evType := model.EventBlocked
	if allow {
		s.allowed.Add(1)
		evType = model.EventAllowed
	} else {
		s.blocked.Add(1)
		c.log.Debug("拦截请求", "url", req.URL, "reason", v.Reason, "match", v.Match)
	}
	c.emit(model.Event{
		Type:     evType,
		Attempt:  s.Number,
		URL:      req.URL,
		Reason:   string(v.Reason),
		Match:    v.Match,
		Source:   string(req.Source),
		TopFrame: req.IsTopFrameNavigation,
	})

	if v.Reason == filter.ReasonMedia {
		c.capture(s, v.MediaURL, req.Source)
	}
	return allow
}

func (h *sessionHooks) OnLoadStart(url string) {
	if !h.c.current(h.s) {
		return
	}
	h.s.setLoading(true)
	h.c.emit(model.Event{Type: model.EventLoad, Attempt: h.s.Number, URL: url, Reason: "start"})
}

func (h *sessionHooks) OnLoadEnd(url string) {
	if !h.c.current(h.s) {
		return
	}
	h.s.setLoading(false)
	h.c.emit(model.Event{Type: model.EventLoad, Attempt: h.s.Number, URL: url, Reason: "end"})
}

func (h *sessionHooks) OnError(err error) {
	if err == nil {
		return
	}
	h.c.fail(h.s, err)
}
