package filter

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"streamgate/pkg/traffic"
)

// Decision 请求放行或拦截
type Decision int

const (
	Block Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "block"
}

// Reason 决策依据，对应判定顺序中的每一步
type Reason string

const (
	ReasonBootstrap   Reason = "bootstrap"
	ReasonBlocklist   Reason = "blocklist"
	ReasonMedia       Reason = "media"
	ReasonGateway     Reason = "gateway_keyword"
	ReasonSameOrigin  Reason = "same_origin"
	ReasonDefaultDeny Reason = "default_deny"
)

// DefaultAllowKeywords 视频分发链路上常见的主机名/路径片段
var DefaultAllowKeywords = []string{
	"stream",
	"video",
	"embed",
	"play",
	"player",
	"mcloud",
	"cdn",
	"cloud",
	"moviesapi",
}

// DefaultMediaExtensions HLS 播放列表/分片及渐进式视频扩展名
var DefaultMediaExtensions = []string{"m3u8", "mp4", "ts"}

// Lists 分类器的不可变输入
type Lists struct {
	Blocklist       []string
	AllowKeywords   []string
	MediaExtensions []string
}

// DefaultLists 返回内置列表
func DefaultLists() Lists {
	return Lists{
		Blocklist:       append([]string(nil), DefaultBlocklist...),
		AllowKeywords:   append([]string(nil), DefaultAllowKeywords...),
		MediaExtensions: append([]string(nil), DefaultMediaExtensions...),
	}
}

// Verdict 单次判定的完整结果
type Verdict struct {
	Decision Decision
	Reason   Reason
	MediaURL string // 仅 ReasonMedia 时非空
	Match    string // 命中的黑名单条目或关键词
}

// Classifier 纯函数式的请求分类器，构造后只读，可并发使用
type Classifier struct {
	blocklist  *Blocklist
	keywords   []string
	media      *regexp.Regexp
	originHost string
}

var errNoMediaExtensions = errors.New("filter: no media extensions configured")

// NewClassifier 根据列表构建分类器
func NewClassifier(l Lists) (*Classifier, error) {
	media, err := MediaPattern(l.MediaExtensions)
	if err != nil {
		return nil, err
	}
	keywords := make([]string, 0, len(l.AllowKeywords))
	for _, k := range l.AllowKeywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &Classifier{
		blocklist: NewBlocklist(l.Blocklist),
		keywords:  keywords,
		media:     media,
	}, nil
}

// MediaPattern 生成直连媒体 URL 的匹配表达式：扩展名结尾，可带查询串
func MediaPattern(exts []string) (*regexp.Regexp, error) {
	quoted := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.TrimPrefix(strings.TrimSpace(e), ".")
		if e == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(e))
	}
	if len(quoted) == 0 {
		return nil, errNoMediaExtensions
	}
	return regexp.Compile(`\.(` + strings.Join(quoted, "|") + `)(\?.*)?$`)
}

// WithOrigin 返回绑定到嵌入页主机名的分类器副本
func (c *Classifier) WithOrigin(embedURL string) *Classifier {
	cp := *c
	cp.originHost = hostname(embedURL)
	return &cp
}

// OriginHost 返回绑定的嵌入页主机名
func (c *Classifier) OriginHost() string { return c.originHost }

// MediaExpr 返回媒体URL正则源码，供注入脚本复用
func (c *Classifier) MediaExpr() string { return c.media.String() }

// Blocklist 返回分类器使用的黑名单
func (c *Classifier) Blocklist() *Blocklist { return c.blocklist }

// Classify 返回请求的放行/拦截决策
func (c *Classifier) Classify(req traffic.Request) Decision {
	return c.Evaluate(req).Decision
}

// ExtractMediaURL 仅当请求是直连媒体文件时返回其 URL
func (c *Classifier) ExtractMediaURL(req traffic.Request) (string, bool) {
	v := c.Evaluate(req)
	if v.Reason != ReasonMedia {
		return "", false
	}
	return v.MediaURL, true
}

// Evaluate 按固定优先级判定，首个命中的规则生效
func (c *Classifier) Evaluate(req traffic.Request) Verdict {
	raw := req.URL

	if raw == traffic.BlankPage {
		return Verdict{Decision: Allow, Reason: ReasonBootstrap}
	}
	if raw == "" {
		return Verdict{Decision: Block, Reason: ReasonDefaultDeny}
	}

	if entry, ok := c.blocklist.Match(raw); ok {
		return Verdict{Decision: Block, Reason: ReasonBlocklist, Match: entry}
	}

	if c.media.MatchString(raw) {
		return Verdict{Decision: Allow, Reason: ReasonMedia, MediaURL: raw}
	}

	for _, k := range c.keywords {
		if strings.Contains(raw, k) {
			return Verdict{Decision: Allow, Reason: ReasonGateway, Match: k}
		}
	}

	if c.originHost != "" && hostname(raw) == c.originHost {
		return Verdict{Decision: Allow, Reason: ReasonSameOrigin, Match: c.originHost}
	}

	return Verdict{Decision: Block, Reason: ReasonDefaultDeny}
}

// hostname 解析失败时返回空串，调用方据此走默认拒绝
func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
