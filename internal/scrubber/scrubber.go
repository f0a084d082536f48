// Package scrubber 生成注入第三方嵌入页的内容清理脚本。
//
// 脚本本身只是一个执行器，行为完全由 Contract 数据驱动：选择器列表、
// 重复执行间隔、导航白名单关键词以及弹窗拦截开关。任何具备脚本注入
// 能力的沙箱宿主都可以执行同一份载荷。
package scrubber

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

// Version 脚本载荷的契约版本，变更契约字段时递增
const Version = "1"

// DefaultIntervalMS 广告注入器会反复插入元素，脚本按此间隔重复清理
const DefaultIntervalMS = 600

// DefaultReportBinding 脚本上报媒体地址时调用的宿主绑定名
const DefaultReportBinding = "__streamgateMedia"

//go:embed scrub.js
var runtimeJS string

const contractPlaceholder = "/*CONTRACT*/"

// DefaultSelectors 广告特征元素选择器
var DefaultSelectors = []string{
	`iframe[src*="ads"]`,
	`iframe[src*="ad"]`,
	`[id*="ad"]`,
	`[class*="ad"]`,
	`#ad`,
	`.ad`,
	`.ads`,
	`.advert`,
	`[role="banner"]`,
	`script[src*="ad"]`,
	`script[src*="pop"]`,
	`div[id*="popup"]`,
	`div[class*="popup"]`,
}

// DefaultProtect 永不移除的元素（本身或包含这些元素的祖先）
var DefaultProtect = []string{"video"}

// DefaultNavigationKeywords 允许执行的整页跳转关键词
var DefaultNavigationKeywords = []string{"embed", "video", "streamingnow"}

// Contract 注入脚本的行为契约
type Contract struct {
	Version            string
	IntervalMS         int
	Selectors          []string
	Protect            []string
	NavigationKeywords []string
	BlockPopups        bool
	ReportBinding      string // 为空时不挂钩 fetch/XHR
	MediaPattern       string // 与分类器一致的媒体URL正则
}

// DefaultContract 返回默认契约
func DefaultContract(mediaPattern string) Contract {
	return Contract{
		Version:            Version,
		IntervalMS:         DefaultIntervalMS,
		Selectors:          append([]string(nil), DefaultSelectors...),
		Protect:            append([]string(nil), DefaultProtect...),
		NavigationKeywords: append([]string(nil), DefaultNavigationKeywords...),
		BlockPopups:        true,
		ReportBinding:      DefaultReportBinding,
		MediaPattern:       mediaPattern,
	}
}

// ErrInvalidContract 契约字段不合法
var ErrInvalidContract = errors.New("scrubber: invalid contract")

// Validate 检查契约
func (c Contract) Validate() error {
	if c.IntervalMS <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidContract, c.IntervalMS)
	}
	for _, s := range c.Selectors {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty selector", ErrInvalidContract)
		}
	}
	if c.ReportBinding != "" && c.MediaPattern == "" {
		return fmt.Errorf("%w: report binding requires a media pattern", ErrInvalidContract)
	}
	return nil
}

// JSON 将契约序列化为脚本读取的 JSON 对象
func (c Contract) JSON() ([]byte, error) {
	version := c.Version
	if version == "" {
		version = Version
	}
	doc := []byte(`{}`)
	fields := []struct {
		path  string
		value any
	}{
		{"version", version},
		{"intervalMs", c.IntervalMS},
		{"selectors", nonNil(c.Selectors)},
		{"protect", nonNil(c.Protect)},
		{"navigationKeywords", nonNil(c.NavigationKeywords)},
		{"blockPopups", c.BlockPopups},
		{"reportBinding", c.ReportBinding},
		{"mediaPattern", c.MediaPattern},
	}
	var err error
	for _, f := range fields {
		if doc, err = sjson.SetBytes(doc, f.path, f.value); err != nil {
			return nil, fmt.Errorf("scrubber: encode %s: %w", f.path, err)
		}
	}
	return doc, nil
}

// Payload 渲染可直接注入页面的脚本
func Payload(c Contract) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	doc, err := c.JSON()
	if err != nil {
		return "", err
	}
	return strings.Replace(runtimeJS, contractPlaceholder, string(doc), 1), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
