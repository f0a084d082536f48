// Package cdphost 基于 Chrome DevTools Protocol 的沙箱宿主。
//
// 每个视图对应浏览器中的一个新标签页。Fetch 域以 "*" 模式暂停所有请求，
// 由网关同步决定放行（ContinueRequest）或拦截（FailRequest）。
package cdphost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"

	"streamgate/internal/logger"
	"streamgate/internal/sandbox"
	"streamgate/pkg/traffic"
)

// Options 宿主参数
type Options struct {
	DevToolsURL      string
	Concurrency      int // 单个视图并发处理的拦截事件数
	ProcessTimeoutMS int // 单个拦截事件回复浏览器的超时
	Logger           logger.Logger
}

// Host 连接到已运行浏览器的 DevTools 端点
type Host struct {
	dt   *devtool.DevTools
	opts Options
	log  logger.Logger

	mu    sync.Mutex
	views map[*view]struct{}
}

// New 创建宿主，不会立即建立连接
func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.ProcessTimeoutMS <= 0 {
		opts.ProcessTimeoutMS = 3000
	}
	return &Host{
		dt:    devtool.New(opts.DevToolsURL),
		opts:  opts,
		log:   opts.Logger.With("component", "cdphost"),
		views: make(map[*view]struct{}),
	}
}

// Open 新建标签页并连接
func (h *Host) Open(ctx context.Context, hooks sandbox.Hooks) (sandbox.View, error) {
	target, err := h.dt.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("cdphost: create target: %w", err)
	}
	conn, err := rpcc.DialContext(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		_ = h.dt.Close(context.Background(), target)
		return nil, fmt.Errorf("cdphost: dial %s: %w", target.ID, err)
	}

	vctx, cancel := context.WithCancel(context.Background())
	v := &view{
		host:   h,
		target: target,
		conn:   conn,
		client: cdp.NewClient(conn),
		hooks:  hooks,
		ctx:    vctx,
		cancel: cancel,
		sem:    make(chan struct{}, h.opts.Concurrency),
		log:    h.log.With("target", target.ID),
	}
	h.mu.Lock()
	h.views[v] = struct{}{}
	h.mu.Unlock()

	v.log.Debug("创建沙箱标签页")
	return v, nil
}

// Close 关闭所有仍打开的视图
func (h *Host) Close() error {
	h.mu.Lock()
	views := make([]*view, 0, len(h.views))
	for v := range h.views {
		views = append(views, v)
	}
	h.mu.Unlock()

	for _, v := range views {
		_ = v.Close()
	}
	return nil
}

func (h *Host) forget(v *view) {
	h.mu.Lock()
	delete(h.views, v)
	h.mu.Unlock()
}

type view struct {
	host   *Host
	target *devtool.Target
	conn   *rpcc.Conn
	client *cdp.Client
	hooks  sandbox.Hooks
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	log    logger.Logger

	mu        sync.Mutex
	url       string
	mainFrame page.FrameID
	closed    bool
	closeOnce sync.Once
}

// Load 注入脚本、开启拦截并导航
func (v *view) Load(ctx context.Context, url string, opts sandbox.LoadOptions) error {
	if v.isClosed() {
		return sandbox.ErrViewClosed
	}
	c := v.client

	if err := c.Page.Enable(ctx); err != nil {
		return fmt.Errorf("cdphost: page enable: %w", err)
	}
	if opts.Script != "" {
		if _, err := c.Page.AddScriptToEvaluateOnNewDocument(ctx, page.NewAddScriptToEvaluateOnNewDocumentArgs(opts.Script)); err != nil {
			return fmt.Errorf("cdphost: inject script: %w", err)
		}
	}
	if opts.ReportBinding != "" {
		if err := v.enableBinding(ctx, opts.ReportBinding); err != nil {
			return err
		}
	}

	tree, err := c.Page.GetFrameTree(ctx)
	if err != nil {
		return fmt.Errorf("cdphost: frame tree: %w", err)
	}
	v.mu.Lock()
	v.url = url
	v.mainFrame = tree.FrameTree.Frame.ID
	v.mu.Unlock()

	paused, err := c.Fetch.RequestPaused(v.ctx)
	if err != nil {
		return fmt.Errorf("cdphost: subscribe request paused: %w", err)
	}
	pattern := "*"
	err = c.Fetch.Enable(ctx, &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest}},
	})
	if err != nil {
		_ = paused.Close()
		return fmt.Errorf("cdphost: fetch enable: %w", err)
	}
	go v.consume(paused)

	if err := v.watchLifecycle(); err != nil {
		return err
	}

	v.hooks.OnLoadStart(url)
	nav, err := c.Page.Navigate(ctx, page.NewNavigateArgs(url))
	if err != nil {
		return fmt.Errorf("cdphost: navigate: %w", err)
	}
	if nav.ErrorText != nil && *nav.ErrorText != "" {
		return fmt.Errorf("cdphost: navigate %s: %s", url, *nav.ErrorText)
	}
	return nil
}

// Close 断开连接并关闭标签页
func (v *view) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()

		v.cancel()
		err = v.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := v.host.dt.Close(ctx, v.target); cerr != nil {
			v.log.Warn("关闭标签页失败", "error", cerr)
		}
		v.host.forget(v)
		v.log.Debug("沙箱标签页已关闭")
	})
	return err
}

func (v *view) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *view) frame() (string, page.FrameID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.url, v.mainFrame
}

// consume 持续接收拦截事件并按并发限制分发处理
func (v *view) consume(rp fetch.RequestPausedClient) {
	defer rp.Close()
	for {
		ev, err := rp.Recv()
		if err != nil {
			v.streamClosed(err)
			return
		}
		select {
		case v.sem <- struct{}{}:
			go func() {
				defer func() { <-v.sem }()
				v.handle(ev)
			}()
		default:
			// 队列已满时在接收循环内同步处理，形成背压
			v.handle(ev)
		}
	}
}

// handle 处理一次拦截事件，宿主回复前请求一直处于暂停状态
func (v *view) handle(ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(v.ctx, time.Duration(v.host.opts.ProcessTimeoutMS)*time.Millisecond)
	defer cancel()

	_, mainFrame := v.frame()
	req := ToCandidate(ev, mainFrame)

	if v.hooks.OnRequest(req) {
		if err := v.client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
			v.log.Debug("放行请求失败", "url", req.URL, "error", err)
		}
		return
	}
	err := v.client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{
		RequestID:   ev.RequestID,
		ErrorReason: network.ErrorReasonBlockedByClient,
	})
	if err != nil {
		v.log.Debug("拦截请求失败", "url", req.URL, "error", err)
	}
}

// streamClosed 事件流意外终止视为不可恢复的加载错误
func (v *view) streamClosed(err error) {
	if v.isClosed() {
		return
	}
	v.log.Warn("拦截流被中断", "error", err)
	v.hooks.OnError(fmt.Errorf("cdphost: interception stream closed: %w", err))
}

func (v *view) watchLifecycle() error {
	started, err := v.client.Page.FrameStartedLoading(v.ctx)
	if err != nil {
		return fmt.Errorf("cdphost: subscribe frame loading: %w", err)
	}
	loaded, err := v.client.Page.LoadEventFired(v.ctx)
	if err != nil {
		_ = started.Close()
		return fmt.Errorf("cdphost: subscribe load event: %w", err)
	}

	go func() {
		defer started.Close()
		for {
			ev, err := started.Recv()
			if err != nil {
				return
			}
			url, mainFrame := v.frame()
			if ev.FrameID == mainFrame {
				v.hooks.OnLoadStart(url)
			}
		}
	}()
	go func() {
		defer loaded.Close()
		for {
			if _, err := loaded.Recv(); err != nil {
				return
			}
			url, _ := v.frame()
			v.hooks.OnLoadEnd(url)
		}
	}()
	return nil
}

// enableBinding 注册脚本上报通道，上报地址与网络请求走同一个分类器
func (v *view) enableBinding(ctx context.Context, name string) error {
	if err := v.client.Runtime.Enable(ctx); err != nil {
		return fmt.Errorf("cdphost: runtime enable: %w", err)
	}
	calls, err := v.client.Runtime.BindingCalled(v.ctx)
	if err != nil {
		return fmt.Errorf("cdphost: subscribe binding: %w", err)
	}
	if err := v.client.Runtime.AddBinding(ctx, runtime.NewAddBindingArgs(name)); err != nil {
		_ = calls.Close()
		return fmt.Errorf("cdphost: add binding %s: %w", name, err)
	}

	go func() {
		defer calls.Close()
		for {
			ev, err := calls.Recv()
			if err != nil {
				return
			}
			if ev.Name != name {
				continue
			}
			req := traffic.NewRequest(ev.Payload)
			req.Source = traffic.SourceScript
			v.hooks.OnRequest(req)
		}
	}()
	return nil
}
