// Package rodhost 基于 go-rod 的沙箱宿主，可自行拉起浏览器并启用 stealth。
package rodhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"streamgate/internal/logger"
	"streamgate/internal/sandbox"
	"streamgate/pkg/traffic"
)

// Options 宿主参数
type Options struct {
	ControlURL string // 为空时本地启动浏览器
	Headless   bool
	Stealth    bool
	Logger     logger.Logger
}

// Host 持有一个浏览器实例
type Host struct {
	opts Options
	log  logger.Logger

	mu      sync.Mutex
	browser *rod.Browser
	launch  *launcher.Launcher
}

// New 创建宿主，首次 Open 时连接浏览器
func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Host{opts: opts, log: opts.Logger.With("component", "rodhost")}
}

func (h *Host) connect(ctx context.Context) (*rod.Browser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.browser != nil {
		return h.browser, nil
	}

	controlURL := h.opts.ControlURL
	if controlURL == "" {
		h.launch = launcher.New().Headless(h.opts.Headless)
		u, err := h.launch.Launch()
		if err != nil {
			return nil, fmt.Errorf("rodhost: launch browser: %w", err)
		}
		controlURL = u
	} else {
		// http://host:9222 形式需要先解析出 websocket 地址
		u, err := launcher.ResolveURL(controlURL)
		if err != nil {
			return nil, fmt.Errorf("rodhost: resolve %s: %w", controlURL, err)
		}
		controlURL = u
	}
	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("rodhost: connect %s: %w", controlURL, err)
	}
	// 连接建立后与调用方的 ctx 解绑
	h.browser = b.Context(context.Background())
	h.log.Info("浏览器已连接", "controlURL", controlURL)
	return h.browser, nil
}

// Open 新建页面
func (h *Host) Open(ctx context.Context, hooks sandbox.Hooks) (sandbox.View, error) {
	b, err := h.connect(ctx)
	if err != nil {
		return nil, err
	}
	var p *rod.Page
	if h.opts.Stealth {
		p, err = stealth.Page(b)
	} else {
		p, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("rodhost: create page: %w", err)
	}
	return &view{page: p, hooks: hooks, log: h.log.With("target", string(p.TargetID))}, nil
}

// Close 关闭浏览器；本地启动的进程一并清理
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	if h.browser != nil {
		err = h.browser.Close()
		h.browser = nil
	}
	if h.launch != nil {
		h.launch.Cleanup()
		h.launch = nil
	}
	return err
}

type view struct {
	page  *rod.Page
	hooks sandbox.Hooks
	log   logger.Logger

	mu      sync.Mutex
	router  *rod.HijackRouter
	cleanup []func() error
	closed  bool
}

// Load 注入脚本、安装拦截路由并导航
func (v *view) Load(ctx context.Context, url string, opts sandbox.LoadOptions) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return sandbox.ErrViewClosed
	}
	v.mu.Unlock()

	p := v.page.Context(ctx)
	if opts.Script != "" {
		remove, err := p.EvalOnNewDocument(opts.Script)
		if err != nil {
			return fmt.Errorf("rodhost: inject script: %w", err)
		}
		v.addCleanup(remove)
	}
	if opts.ReportBinding != "" {
		if err := v.enableBinding(opts.ReportBinding); err != nil {
			return err
		}
	}

	router := v.page.HijackRequests()
	err := router.Add("*", "", func(hj *rod.Hijack) {
		req := toCandidate(hj.Request.URL().String(), hj.Request.Method(), hj.Request.Type(), hj.Request.Header)
		if v.hooks.OnRequest(req) {
			hj.ContinueRequest(&proto.FetchContinueRequest{})
			return
		}
		hj.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	})
	if err != nil {
		return fmt.Errorf("rodhost: hijack: %w", err)
	}
	go router.Run()
	v.mu.Lock()
	v.router = router
	v.mu.Unlock()

	wait := v.page.EachEvent(func(e *proto.PageFrameStartedLoading) {
		if e.FrameID == v.page.FrameID {
			v.hooks.OnLoadStart(url)
		}
	}, func(e *proto.PageLoadEventFired) {
		v.hooks.OnLoadEnd(url)
	})
	go wait()

	v.hooks.OnLoadStart(url)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("rodhost: navigate %s: %w", url, err)
	}
	return nil
}

func (v *view) enableBinding(name string) error {
	if err := (proto.RuntimeAddBinding{Name: name}).Call(v.page); err != nil {
		return fmt.Errorf("rodhost: add binding %s: %w", name, err)
	}
	wait := v.page.EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != name {
			return
		}
		req := traffic.NewRequest(e.Payload)
		req.Source = traffic.SourceScript
		v.hooks.OnRequest(req)
	})
	go wait()
	return nil
}

func (v *view) addCleanup(fn func() error) {
	v.mu.Lock()
	v.cleanup = append(v.cleanup, fn)
	v.mu.Unlock()
}

// Close 停止拦截并关闭页面
func (v *view) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	router := v.router
	cleanup := v.cleanup
	v.mu.Unlock()

	if router != nil {
		if err := router.Stop(); err != nil {
			v.log.Debug("停止拦截路由失败", "error", err)
		}
	}
	for _, fn := range cleanup {
		_ = fn()
	}
	return v.page.Close()
}
