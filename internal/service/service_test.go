package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"streamgate/internal/config"
	"streamgate/internal/gateway"
	"streamgate/internal/handoff"
	"streamgate/internal/logger"
	"streamgate/internal/sandbox/sandboxtest"
	"streamgate/internal/storage"
	"streamgate/pkg/model"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestService(t *testing.T, withHistory bool) (*Service, *sandboxtest.Host, *directSpy) {
	t.Helper()
	host := sandboxtest.NewHost()
	spy := &directSpy{}
	d := Deps{
		Config:   config.NewConfig(),
		Host:     host,
		Logger:   logger.NewNop(),
		OnDirect: spy.notify,
	}
	if withHistory {
		db, err := storage.Open(storage.Options{DSN: "file::memory:"}, logger.NewNop())
		if err != nil {
			t.Fatalf("storage: %v", err)
		}
		t.Cleanup(func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		d.History = storage.NewHistory(db)
	}
	s, err := New(d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, host, spy
}

type directSpy struct {
	mu   sync.Mutex
	urls map[model.SessionID]string
}

func (d *directSpy) notify(id model.SessionID, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.urls == nil {
		d.urls = make(map[model.SessionID]string)
	}
	d.urls[id] = url
}

func (d *directSpy) get(id model.SessionID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[id]
}

func TestServiceCaptureHandsOff(t *testing.T) {
	s, host, spy := newTestService(t, true)
	ctx := context.Background()

	id, err := s.StartSession(ctx, model.SessionConfig{URL: "https://host.example/e/42", ServerName: "Vidplay", Quality: "1080p"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	info, _ := s.GetSession(id)
	if info.State != model.StateLoading || info.Mode != string(handoff.ModeGateway) {
		t.Fatalf("info = %+v", info)
	}

	view := host.Last()
	if view.Request("https://doubleclick.net/ad.mp4") {
		t.Error("blocklisted media must lose")
	}
	if !view.Request("https://cdn.example/hls/master.m3u8?token=1") {
		t.Error("media must be allowed")
	}

	info, _ = s.GetSession(id)
	if info.State != model.StatePlaying || info.Mode != string(handoff.ModeDirect) {
		t.Fatalf("info = %+v", info)
	}
	if info.CapturedMediaURL != "https://cdn.example/hls/master.m3u8?token=1" {
		t.Errorf("captured = %q", info.CapturedMediaURL)
	}
	if got := spy.get(id); got != info.CapturedMediaURL {
		t.Errorf("direct listener got %q", got)
	}

	var hist []model.Attempt
	waitFor(t, "history", func() bool {
		hist, _ = s.History(ctx, 10)
		return len(hist) == 1 && hist[0].State == model.StatePlaying
	})
	if hist[0].ServerName != "Vidplay" || hist[0].MediaURL != info.CapturedMediaURL {
		t.Errorf("attempt = %+v", hist[0])
	}
}

func TestServiceRetry(t *testing.T) {
	s, host, _ := newTestService(t, false)
	ctx := context.Background()

	id, err := s.StartSession(ctx, model.SessionConfig{URL: "https://host.example/e/1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RetrySession(ctx, id); !errors.Is(err, gateway.ErrNotFailed) {
		t.Fatalf("retry while loading: %v", err)
	}

	first := host.Last()
	first.Fail(errors.New("net::ERR_NAME_NOT_RESOLVED"))
	info, _ := s.GetSession(id)
	if info.State != model.StateFailed || info.Error == "" {
		t.Fatalf("info = %+v", info)
	}

	if err := s.RetrySession(ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if host.Last() == first {
		t.Error("retry must open a fresh view")
	}
	info, _ = s.GetSession(id)
	if info.State != model.StateLoading || info.Attempt != 2 || info.Mode != string(handoff.ModeGateway) {
		t.Errorf("info = %+v", info)
	}
}

func TestServiceUnknownSession(t *testing.T) {
	s, _, _ := newTestService(t, false)
	ctx := context.Background()
	const id = model.SessionID("missing")

	if _, err := s.GetSession(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("get: %v", err)
	}
	if err := s.StopSession(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("stop: %v", err)
	}
	if err := s.RetrySession(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("retry: %v", err)
	}
	if _, _, err := s.SubscribeEvents(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("subscribe: %v", err)
	}
}

func TestServiceInvalidTarget(t *testing.T) {
	s, _, _ := newTestService(t, false)
	if _, err := s.StartSession(context.Background(), model.SessionConfig{URL: "ftp://x"}); !errors.Is(err, gateway.ErrInvalidTarget) {
		t.Fatalf("err = %v", err)
	}
	if n := len(s.ListSessions()); n != 0 {
		t.Errorf("sessions = %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.switches) != 0 {
		t.Errorf("orphan handoff switches: %d", len(s.switches))
	}
}

func TestServicePlayerReplacement(t *testing.T) {
	s, host, _ := newTestService(t, false)
	ctx := context.Background()

	a, _ := s.StartSession(ctx, model.SessionConfig{URL: "https://a.example/embed/1", Player: "tv"})
	oldView := host.Last()
	b, _ := s.StartSession(ctx, model.SessionConfig{URL: "https://b.example/embed/1", Player: "tv"})

	if _, err := s.GetSession(a); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("replaced session still present: %v", err)
	}
	if !oldView.Closed() {
		t.Error("replaced view must be closed")
	}
	if list := s.ListSessions(); len(list) != 1 || list[0].ID != b {
		t.Errorf("list = %+v", list)
	}
}

func TestServiceSubscribeAndStop(t *testing.T) {
	s, host, _ := newTestService(t, false)
	id, _ := s.StartSession(context.Background(), model.SessionConfig{URL: "https://host.example/e/9"})
	events, cancel, err := s.SubscribeEvents(id)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	host.Last().Request("https://popads.net/pop")
	select {
	case ev := <-events:
		if ev.Type != model.EventBlocked || ev.Match != "popads.net" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	if err := s.StopSession(id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "channel close", func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	})
}

func TestServiceClassifyAndScript(t *testing.T) {
	s, _, _ := newTestService(t, false)

	cases := []struct {
		url, origin, decision, reason string
	}{
		{"about:blank", "", "allow", "bootstrap"},
		{"https://adnxs.com/stream.m3u8", "", "block", "blocklist"},
		{"https://edge.example/seg-1.ts", "", "allow", "media"},
		{"https://host.example/api/source", "https://host.example/e/1", "allow", "same_origin"},
		{"https://host.example/api/source", "", "block", "default_deny"},
	}
	for _, tc := range cases {
		v := s.Classify(tc.url, tc.origin)
		if v.Decision != tc.decision || v.Reason != tc.reason {
			t.Errorf("Classify(%q, %q) = %+v", tc.url, tc.origin, v)
		}
	}

	script := s.ScrubberScript()
	if !strings.Contains(script, `"reportBinding":"__streamgateMedia"`) {
		t.Error("script must embed the contract")
	}
	if hist, err := s.History(context.Background(), 5); err != nil || len(hist) != 0 {
		t.Errorf("history without store = %v, %v", hist, err)
	}
}
