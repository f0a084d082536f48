package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"streamgate/internal/filter"
	"streamgate/internal/scrubber"
)

// ErrInvalid 配置校验失败
var ErrInvalid = errors.New("config: invalid")

// 沙箱驱动
const (
	DriverCDP = "cdp"
	DriverRod = "rod"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   struct {
			Path       string `yaml:"path"`
			MaxSizeMB  int    `yaml:"max_size_mb"`
			MaxBackups int    `yaml:"max_backups"`
			MaxAgeDays int    `yaml:"max_age_days"`
			Compress   bool   `yaml:"compress"`
		} `yaml:"file"`
	} `yaml:"log"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Sandbox struct {
		Driver           string `yaml:"driver"`
		DevToolsURL      string `yaml:"devtools_url"`
		Headless         bool   `yaml:"headless"`
		Stealth          bool   `yaml:"stealth"`
		Concurrency      int    `yaml:"concurrency"`
		ProcessTimeoutMS int    `yaml:"process_timeout_ms"`
	} `yaml:"sandbox"`

	Gateway struct {
		StallTimeoutMS int  `yaml:"stall_timeout_ms"`
		KeepSandbox    bool `yaml:"keep_sandbox"`
	} `yaml:"gateway"`

	Filter struct {
		Blocklist       []string `yaml:"blocklist"`
		AllowKeywords   []string `yaml:"allow_keywords"`
		MediaExtensions []string `yaml:"media_extensions"`
	} `yaml:"filter"`

	Scrubber struct {
		IntervalMS         int      `yaml:"interval_ms"`
		Selectors          []string `yaml:"selectors"`
		Protect            []string `yaml:"protect"`
		NavigationKeywords []string `yaml:"navigation_keywords"`
		BlockPopups        bool     `yaml:"block_popups"`
		ReportMedia        bool     `yaml:"report_media"`
	} `yaml:"scrubber"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}

	c.Sqlite.Dsn = "streamgate.sqlite3"
	c.Sqlite.Prefix = "streamgate_"

	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File.Path = "logs/streamgate.log"
	c.Log.File.MaxSizeMB = 50
	c.Log.File.MaxBackups = 5
	c.Log.File.MaxAgeDays = 14

	c.Server.Addr = ":8088"

	c.Sandbox.Driver = DriverCDP
	c.Sandbox.DevToolsURL = "http://127.0.0.1:9222"
	c.Sandbox.Headless = true
	c.Sandbox.Concurrency = 16
	c.Sandbox.ProcessTimeoutMS = 3000

	lists := filter.DefaultLists()
	c.Filter.Blocklist = lists.Blocklist
	c.Filter.AllowKeywords = lists.AllowKeywords
	c.Filter.MediaExtensions = lists.MediaExtensions

	c.Scrubber.IntervalMS = scrubber.DefaultIntervalMS
	c.Scrubber.Selectors = append([]string(nil), scrubber.DefaultSelectors...)
	c.Scrubber.Protect = append([]string(nil), scrubber.DefaultProtect...)
	c.Scrubber.NavigationKeywords = append([]string(nil), scrubber.DefaultNavigationKeywords...)
	c.Scrubber.BlockPopups = true
	c.Scrubber.ReportMedia = true
	return c
}

// Load 读取配置：默认值 → YAML 文件（可选）→ .env 与环境变量
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// .env 不存在时忽略
	_ = godotenv.Load()
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("STREAMGATE_ADDR", &c.Server.Addr)
	str("STREAMGATE_LOG_LEVEL", &c.Log.Level)
	str("STREAMGATE_SQLITE_DSN", &c.Sqlite.Dsn)
	str("STREAMGATE_DRIVER", &c.Sandbox.Driver)
	str("STREAMGATE_DEVTOOLS_URL", &c.Sandbox.DevToolsURL)

	if v, ok := lookup("STREAMGATE_LOG_WRITER"); ok && v != "" {
		c.Log.Writer = splitList(v)
	}
	if v, ok := lookup("STREAMGATE_STALL_TIMEOUT_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: STREAMGATE_STALL_TIMEOUT_MS=%q", ErrInvalid, v)
		}
		c.Gateway.StallTimeoutMS = n
	}
	if v, ok := lookup("STREAMGATE_KEEP_SANDBOX"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: STREAMGATE_KEEP_SANDBOX=%q", ErrInvalid, v)
		}
		c.Gateway.KeepSandbox = b
	}
	if v, ok := lookup("STREAMGATE_BLOCKLIST_EXTRA"); ok && v != "" {
		c.Filter.Blocklist = append(c.Filter.Blocklist, splitList(v)...)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Sandbox.Driver {
	case DriverCDP, DriverRod:
	default:
		return fmt.Errorf("%w: unknown sandbox driver %q", ErrInvalid, c.Sandbox.Driver)
	}
	if c.Sandbox.Driver == DriverCDP && c.Sandbox.DevToolsURL == "" {
		return fmt.Errorf("%w: cdp driver requires devtools_url", ErrInvalid)
	}
	if len(c.Filter.MediaExtensions) == 0 {
		return fmt.Errorf("%w: filter.media_extensions is empty", ErrInvalid)
	}
	if c.Scrubber.IntervalMS <= 0 {
		return fmt.Errorf("%w: scrubber.interval_ms must be positive", ErrInvalid)
	}
	if c.Gateway.StallTimeoutMS < 0 {
		return fmt.Errorf("%w: gateway.stall_timeout_ms must not be negative", ErrInvalid)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is empty", ErrInvalid)
	}
	return nil
}

// StallTimeout 返回停滞超时，0 表示关闭
func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.Gateway.StallTimeoutMS) * time.Millisecond
}

// Lists 返回分类器输入
func (c *Config) Lists() filter.Lists {
	return filter.Lists{
		Blocklist:       c.Filter.Blocklist,
		AllowKeywords:   c.Filter.AllowKeywords,
		MediaExtensions: c.Filter.MediaExtensions,
	}
}

// Contract 返回注入脚本契约
func (c *Config) Contract(mediaPattern string) scrubber.Contract {
	ct := scrubber.DefaultContract(mediaPattern)
	ct.IntervalMS = c.Scrubber.IntervalMS
	ct.Selectors = c.Scrubber.Selectors
	ct.Protect = c.Scrubber.Protect
	ct.NavigationKeywords = c.Scrubber.NavigationKeywords
	ct.BlockPopups = c.Scrubber.BlockPopups
	if !c.Scrubber.ReportMedia {
		ct.ReportBinding = ""
	}
	return ct
}
