package rodhost

import (
	"github.com/go-rod/rod/lib/proto"

	"streamgate/pkg/traffic"
)

// 分类时需要的请求头
var keptHeaders = []string{"Referer", "Origin", "Sec-Fetch-Dest", "Sec-Fetch-Mode"}

// isTopFrame 劫持请求不携带 frameId，用 Sec-Fetch-Dest 区分顶层文档与 iframe
func isTopFrame(rt proto.NetworkResourceType, dest string) bool {
	return rt == proto.NetworkResourceTypeDocument && dest == "document"
}

// toCandidate 将劫持请求转换为中立的候选请求
func toCandidate(url, method string, rt proto.NetworkResourceType, header func(string) string) traffic.Request {
	req := traffic.NewRequest(url)
	req.Method = method
	req.ResourceType = string(rt)
	for _, name := range keptHeaders {
		if v := header(name); v != "" {
			req.Headers.Set(name, v)
		}
	}
	req.IsTopFrameNavigation = isTopFrame(rt, req.Headers.Get("Sec-Fetch-Dest"))
	return req
}
