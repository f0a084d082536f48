package storage

import (
	"context"
	"testing"

	"streamgate/internal/logger"
	"streamgate/pkg/model"
)

func openTestDB(t *testing.T) *History {
	t.Helper()
	db, err := Open(Options{DSN: "file::memory:", Prefix: "streamgate_"}, logger.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if !db.Migrator().HasTable("streamgate_attempt_records") {
		t.Fatal("prefixed table missing")
	}
	return NewHistory(db)
}

func TestRecordUpsert(t *testing.T) {
	h := openTestDB(t)
	ctx := context.Background()

	a := model.Attempt{
		ID:        "att-1",
		Session:   "sess-1",
		Number:    1,
		TargetURL: "https://host.example/e/1",
		State:     model.StatePlaying,
		MediaURL:  "https://cdn.example/a.m3u8",
		Allowed:   3,
		StartedAt: 100,
		EndedAt:   200,
	}
	if err := h.Record(ctx, a); err != nil {
		t.Fatal(err)
	}
	a.State = model.StateClosed
	a.Blocked = 9
	if err := h.Record(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := h.BySession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	if got[0].State != model.StateClosed || got[0].Blocked != 9 || got[0].MediaURL != a.MediaURL {
		t.Errorf("record = %+v", got[0])
	}
}

func TestRecentOrderAndLimit(t *testing.T) {
	h := openTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		err := h.Record(ctx, model.Attempt{ID: id, Session: "s", Number: i + 1, State: model.StateFailed, StartedAt: int64(i * 10)})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := h.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("recent = %+v", got)
	}
}
