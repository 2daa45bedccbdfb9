package grouplog

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "grouplog.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func groupText(id, hash, chat, body string, at time.Time) domain.ChatMessage {
	return domain.NewText(domain.Envelope{
		ID: id, Hash: hash, Sender: "Bob", ConversationID: chat, IsGroup: true, ReceivedAt: at,
	}, body)
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.db")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	v, err := schemaVersionOf(s.db)
	if err != nil || v != schemaVersion {
		t.Fatalf("schema version = %d, %v", v, err)
	}
}

func TestStore_RecordDedupesByHash(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	at := time.Now()

	for i := 0; i < 3; i++ {
		if err := s.Record(ctx, groupText("m1", "h1", "TeamRoom", "hello", at)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Record(ctx, groupText("m2", "h2", "TeamRoom", "again", at)); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestStore_RecordWithoutHash(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	at := time.Now()

	msg := groupText("m1", "", "TeamRoom", "hello", at)
	_ = s.Record(ctx, msg)
	_ = s.Record(ctx, msg)
	_ = s.Record(ctx, groupText("m2", "", "TeamRoom", "hello", at))
	if n, _ := s.Count(ctx); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestStore_RecentFiltersAndOrders(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	_ = s.Record(ctx, groupText("1", "a", "TeamRoom", "first", base))
	_ = s.Record(ctx, groupText("2", "b", "Other", "elsewhere", base.Add(time.Minute)))
	_ = s.Record(ctx, groupText("3", "c", "TeamRoom", "second", base.Add(2*time.Minute)))

	got, err := s.Recent(ctx, "TeamRoom", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "second" || got[1].Content != "first" {
		t.Fatalf("recent = %+v", got)
	}
	if !got[0].CreatedAt.Equal(base.Add(2*time.Minute)) || !got[0].IsGroup {
		t.Fatalf("entry = %+v", got[0])
	}

	all, _ := s.Recent(ctx, "", 2)
	if len(all) != 2 || all[0].ChatID != "TeamRoom" || all[1].ChatID != "Other" {
		t.Fatalf("all = %+v", all)
	}
}

func TestStore_RecordPayload(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	inner := domain.NewLink(domain.Envelope{ID: "l"}, "https://example.com", "Example")
	quote, err := domain.NewQuote(domain.Envelope{ID: "q", Hash: "q", ConversationID: "G", IsGroup: true}, "look", inner)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, quote); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Recent(ctx, "G", 1)
	if len(got) != 1 || got[0].Type != "quote" {
		t.Fatalf("got = %+v", got)
	}
	var p payload
	if err := json.Unmarshal(got[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Quoted == nil || p.Quoted.URL != "https://example.com" || p.QuotedText != "https://example.com" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestStore_Prune(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.Record(ctx, groupText("old", "o", "G", "old", now.Add(-40*24*time.Hour)))
	_ = s.Record(ctx, groupText("new", "n", "G", "new", now))

	n, err := s.Prune(ctx, now.Add(-30*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	left, _ := s.Recent(ctx, "", 10)
	if len(left) != 1 || left[0].MsgID != "new" {
		t.Fatalf("left = %+v", left)
	}
}
