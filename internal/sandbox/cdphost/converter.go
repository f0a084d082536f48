package cdphost

import (
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/tidwall/gjson"

	"streamgate/pkg/traffic"
)

// 分类时需要的请求头
var keptHeaders = []string{"Referer", "Origin", "Sec-Fetch-Dest", "Sec-Fetch-Mode"}

// ToCandidate 将 CDP 拦截事件转换为中立的候选请求
func ToCandidate(ev *fetch.RequestPausedReply, mainFrame page.FrameID) traffic.Request {
	req := traffic.NewRequest(ev.Request.URL)
	req.ID = string(ev.RequestID)
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	req.IsTopFrameNavigation = ev.ResourceType == network.ResourceTypeDocument &&
		(mainFrame == "" || ev.FrameID == mainFrame)

	// 原始头部是 JSON 对象，只取需要的字段，键名大小写不定
	if len(ev.Request.Headers) > 0 {
		raw := gjson.ParseBytes(ev.Request.Headers)
		for _, name := range keptHeaders {
			if v := lookupHeader(raw, name); v != "" {
				req.Headers.Set(name, v)
			}
		}
	}
	return req
}

func lookupHeader(raw gjson.Result, name string) string {
	if v := raw.Get(name); v.Exists() {
		return v.String()
	}
	var found string
	raw.ForEach(func(k, v gjson.Result) bool {
		if strings.EqualFold(k.String(), name) {
			found = v.String()
			return false
		}
		return true
	})
	return found
}
