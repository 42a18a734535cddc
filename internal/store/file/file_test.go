package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/whalelabs/whale/internal/providers"
	"github.com/whalelabs/whale/internal/store"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := &store.Conversation{
		ID:    "abc",
		Model: "claude-sonnet-4-5",
		Messages: []providers.Message{
			{Role: "user", Content: "do the thing"},
			{Role: "assistant", Content: "done"},
		},
		InputTokens:  10,
		OutputTokens: 4,
		CostUSD:      0.0012,
	}
	c.RecordToolUse("read_file")

	if err := s.Save(c); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("abc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "do the thing" {
		t.Errorf("title = %q", got.Title)
	}
	if len(got.Messages) != 2 || got.ToolUsage["read_file"] != 1 {
		t.Errorf("round trip lost data: %+v", got)
	}
}

func TestSavedFilePermissions(t *testing.T) {
	dataDir := t.TempDir()
	s, _ := New(dataDir)
	s.Save(&store.Conversation{ID: "p", Messages: []providers.Message{{Role: "user", Content: "x"}}})

	dirInfo, err := os.Stat(filepath.Join(dataDir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0o700 {
		t.Errorf("sessions dir mode = %o, want 700", perm)
	}
	info, err := os.Stat(filepath.Join(dataDir, "sessions", "p.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("session file mode = %o, want 600", perm)
	}
}

func TestListOrderedByUpdatedDesc(t *testing.T) {
	s, _ := New(t.TempDir())
	for _, id := range []string{"one", "two", "three"} {
		s.Save(&store.Conversation{ID: id, Messages: []providers.Message{{Role: "user", Content: id}}})
		time.Sleep(5 * time.Millisecond)
	}

	infos, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 {
		t.Fatalf("listing = %d entries", len(infos))
	}
	if infos[0].ID != "three" || infos[2].ID != "one" {
		t.Errorf("order = %s, %s, %s", infos[0].ID, infos[1].ID, infos[2].ID)
	}
	if infos[0].MessageCount != 1 {
		t.Errorf("messageCount = %d", infos[0].MessageCount)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _ := New(t.TempDir())
	s.Save(&store.Conversation{ID: "x", Messages: []providers.Message{{Role: "user", Content: "x"}}})
	if err := s.Delete("x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("x"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Load("x"); err == nil {
		t.Fatal("load after delete succeeded")
	}
}
