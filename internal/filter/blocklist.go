package filter

import (
	"sort"
	"strings"
)

// DefaultBlocklist 已知广告/追踪网络域名
var DefaultBlocklist = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"popads.net",
	"propellerads.com",
	"adnxs.com",
	"advertising.com",
	"exponential.com",
	"adservice.google.com",
	"outbrain.com",
	"taboola.com",
	"popcash.net",
	"adcash.com",
}

// Blocklist 不可变的广告域名子串集合
type Blocklist struct {
	entries []string
}

// NewBlocklist 构建去重后的域名集合，空白项会被忽略
func NewBlocklist(entries []string) *Blocklist {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Strings(out)
	return &Blocklist{entries: out}
}

// Contains 判断 URL 中是否包含任一黑名单域名
func (b *Blocklist) Contains(rawURL string) bool {
	_, ok := b.Match(rawURL)
	return ok
}

// Match 返回 URL 命中的黑名单条目
func (b *Blocklist) Match(rawURL string) (string, bool) {
	if b == nil {
		return "", false
	}
	for _, e := range b.entries {
		if strings.Contains(rawURL, e) {
			return e, true
		}
	}
	return "", false
}

// Len 返回条目数量
func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Entries 返回条目副本
func (b *Blocklist) Entries() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.entries...)
}
