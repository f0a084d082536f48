package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"gorm.io/gorm/logger"

	"streamgate/internal/ctxkeys"
	logger2 "streamgate/internal/logger"
)

func TestGormLoggerTrace(t *testing.T) {
	var buf bytes.Buffer
	gl := NewGormLogger(logger2.NewWithWriter(&buf, "debug"), logger.Warn)
	ctx := context.WithValue(context.Background(), ctxkeys.TraceIDKey{}, "req-9")
	sql := func() (string, int64) { return "SELECT 1", 1 }

	gl.Trace(ctx, time.Now(), sql, nil)
	if buf.Len() != 0 {
		t.Fatalf("fast query logged at warn level: %s", buf.String())
	}

	gl.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	line := gjson.Parse(strings.TrimSpace(buf.String()))
	if line.Get("level").String() != "warn" || line.Get("traceId").String() != "req-9" || line.Get("component").String() != "gorm" {
		t.Errorf("slow query line = %s", buf.String())
	}

	buf.Reset()
	gl.Trace(ctx, time.Now(), sql, logger.ErrRecordNotFound)
	if buf.Len() != 0 {
		t.Errorf("record not found must be quiet: %s", buf.String())
	}

	gl.Trace(ctx, time.Now(), sql, errors.New("disk I/O error"))
	if gjson.Get(strings.TrimSpace(buf.String()), "level").String() != "error" {
		t.Errorf("error line = %s", buf.String())
	}
}

func TestGormLoggerSilent(t *testing.T) {
	var buf bytes.Buffer
	gl := NewGormLogger(logger2.NewWithWriter(&buf, "debug"), logger.Warn).LogMode(logger.Silent)
	gl.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) { return "SELECT 1", 0 }, errors.New("x"))
	if buf.Len() != 0 {
		t.Errorf("silent logger wrote: %s", buf.String())
	}
}
