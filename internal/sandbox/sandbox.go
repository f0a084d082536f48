// Package sandbox 定义隔离浏览视图的宿主契约。
//
// 宿主负责加载不受信任的第三方页面；网关只通过 Hooks 观察页面：
// 每个请求同步地询问 OnRequest，宿主在得到结果前不得继续该请求。
package sandbox

import (
	"context"
	"errors"

	"streamgate/pkg/traffic"
)

// ErrViewClosed 视图已关闭
var ErrViewClosed = errors.New("sandbox: view closed")

// Hooks 视图回调。OnRequest 必须快速返回且不得阻塞在 I/O 上。
type Hooks interface {
	// OnRequest 返回 true 放行请求，false 拦截
	OnRequest(req traffic.Request) bool
	OnLoadStart(url string)
	OnLoadEnd(url string)
	// OnError 不可恢复的加载错误
	OnError(err error)
}

// LoadOptions 单次加载参数
type LoadOptions struct {
	Script        string // 文档创建前注入的脚本
	ReportBinding string // 脚本上报媒体地址使用的绑定名，可为空
}

// View 一个隔离的浏览视图（通常对应一个浏览器标签页）
type View interface {
	// Load 导航到目标地址；注入脚本在每个新文档创建前执行
	Load(ctx context.Context, url string, opts LoadOptions) error
	// Close 释放视图，可重复调用
	Close() error
}

// Host 视图工厂
type Host interface {
	Open(ctx context.Context, hooks Hooks) (View, error)
	Close() error
}
