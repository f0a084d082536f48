package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 键值对风格的日志接口
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	// Err 记录带错误对象的错误日志
	Err(err error, msg string, kv ...any)
	// With 返回附带固定字段的子日志器
	With(kv ...any) Logger
}

// FileOptions 文件输出的滚动参数
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options 日志器构建参数
type Options struct {
	Level   string
	Writers []string // console / file / json
	File    FileOptions
}

type zlogger struct {
	zl zerolog.Logger
}

// New 根据配置创建基于 zerolog 的日志器
func New(opts Options) Logger {
	var writers []io.Writer
	for _, w := range opts.Writers {
		switch strings.ToLower(w) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime})
		case "json":
			writers = append(writers, os.Stdout)
		case "file":
			path := opts.File.Path
			if path == "" {
				path = "logs/streamgate.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   path,
				MaxSize:    opts.File.MaxSizeMB,
				MaxBackups: opts.File.MaxBackups,
				MaxAge:     opts.File.MaxAgeDays,
				Compress:   opts.File.Compress,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	return NewWithWriter(zerolog.MultiLevelWriter(writers...), opts.Level)
}

// NewWithWriter 使用指定输出创建日志器
func NewWithWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
	return &zlogger{zl: zl}
}

// NewNop 创建丢弃所有输出的日志器
func NewNop() Logger {
	return &zlogger{zl: zerolog.Nop()}
}

// ParseLevel 解析日志级别，无法识别时回退到 info
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *zlogger) Debug(msg string, kv ...any) { l.zl.Debug().Fields(kv).Msg(msg) }

func (l *zlogger) Info(msg string, kv ...any) { l.zl.Info().Fields(kv).Msg(msg) }

func (l *zlogger) Warn(msg string, kv ...any) { l.zl.Warn().Fields(kv).Msg(msg) }

func (l *zlogger) Error(msg string, kv ...any) { l.zl.Error().Fields(kv).Msg(msg) }

func (l *zlogger) Err(err error, msg string, kv ...any) {
	l.zl.Error().Err(err).Fields(kv).Msg(msg)
}

func (l *zlogger) With(kv ...any) Logger {
	return &zlogger{zl: l.zl.With().Fields(kv).Logger()}
}
