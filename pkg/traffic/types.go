package traffic

import (
	"strings"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Source 请求的来源
type Source string

const (
	// SourceNetwork 沙箱网络拦截层产生的请求
	SourceNetwork Source = "network"
	// SourceScript 注入脚本通过绑定上报的请求
	SourceScript Source = "script"
)

// BlankPage 沙箱启动时使用的空白页地址
const BlankPage = "about:blank"

// Request 中立的候选请求模型，每次页面尝试加载资源时由沙箱产生
type Request struct {
	ID                   string // 沙箱内的请求ID，可能为空
	URL                  string // 完整URL
	Method               string // HTTP方法
	ResourceType         string // 资源类型 (如 Document, XHR, Media)
	IsTopFrameNavigation bool   // 是否为顶层框架导航
	Headers              Header // 请求头（小写键）
	Source               Source // 请求来源
}

// NewRequest 创建初始化请求对象
func NewRequest(rawURL string) Request {
	return Request{
		URL:     rawURL,
		Headers: make(Header),
		Source:  SourceNetwork,
	}
}

// Referrer 返回请求的来源页
func (r Request) Referrer() string {
	return r.Headers.Get("referer")
}
