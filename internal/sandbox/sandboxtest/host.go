// Package sandboxtest 提供测试用的内存沙箱宿主。
package sandboxtest

import (
	"context"
	"errors"
	"sync"

	"streamgate/internal/sandbox"
	"streamgate/pkg/traffic"
)

// Host 记录打开的视图；OnLoad 非空时在每次 Load 后同步调用，
// OnOpen 非空时在 Open 返回前同步调用（模拟视图创建期间到达的回调）
type Host struct {
	mu      sync.Mutex
	views   []*View
	closed  bool
	OpenErr error
	OnLoad  func(v *View)
	OnOpen  func(v *View)
}

// NewHost 创建测试宿主
func NewHost() *Host { return &Host{} }

// Open 实现 sandbox.Host
func (h *Host) Open(_ context.Context, hooks sandbox.Hooks) (sandbox.View, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("sandboxtest: host closed")
	}
	if h.OpenErr != nil {
		h.mu.Unlock()
		return nil, h.OpenErr
	}
	v := &View{hooks: hooks, host: h}
	h.views = append(h.views, v)
	onOpen := h.OnOpen
	h.mu.Unlock()

	if onOpen != nil {
		onOpen(v)
	}
	return v, nil
}

// Close 实现 sandbox.Host
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	views := append([]*View(nil), h.views...)
	h.mu.Unlock()
	for _, v := range views {
		_ = v.Close()
	}
	return nil
}

// Views 返回所有打开过的视图
func (h *Host) Views() []*View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*View(nil), h.views...)
}

// Last 返回最近打开的视图
func (h *Host) Last() *View {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.views) == 0 {
		return nil
	}
	return h.views[len(h.views)-1]
}

// View 可由测试驱动回调的视图
type View struct {
	mu     sync.Mutex
	hooks  sandbox.Hooks
	host   *Host
	loads  []string
	opts   sandbox.LoadOptions
	closed bool
}

// Load 实现 sandbox.View：记录目标并模拟初始文档请求
func (v *View) Load(_ context.Context, url string, opts sandbox.LoadOptions) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return sandbox.ErrViewClosed
	}
	v.loads = append(v.loads, url)
	v.opts = opts
	v.mu.Unlock()

	v.hooks.OnLoadStart(url)
	r := traffic.NewRequest(url)
	r.IsTopFrameNavigation = true
	r.ResourceType = "Document"
	v.hooks.OnRequest(r)

	if v.host.OnLoad != nil {
		v.host.OnLoad(v)
	}
	return nil
}

// Close 实现 sandbox.View
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

// Request 模拟页面发起一个子资源请求，返回钩子决策
func (v *View) Request(url string) bool {
	return v.hooks.OnRequest(traffic.NewRequest(url))
}

// Report 模拟注入脚本通过绑定上报地址
func (v *View) Report(url string) bool {
	r := traffic.NewRequest(url)
	r.Source = traffic.SourceScript
	return v.hooks.OnRequest(r)
}

// Finish 模拟页面加载完成
func (v *View) Finish() {
	v.mu.Lock()
	url := ""
	if n := len(v.loads); n > 0 {
		url = v.loads[n-1]
	}
	v.mu.Unlock()
	v.hooks.OnLoadEnd(url)
}

// Fail 模拟不可恢复的加载错误
func (v *View) Fail(err error) { v.hooks.OnError(err) }

// Closed 是否已关闭
func (v *View) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Loads 返回加载过的地址
func (v *View) Loads() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.loads...)
}

// Options 返回最近一次加载参数
func (v *View) Options() sandbox.LoadOptions {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opts
}
