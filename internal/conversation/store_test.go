package conversation

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_NewAndGet(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("empty conversation id")
	}

	got, err := s.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != conv.ID {
		t.Errorf("id = %s, want %s", got.ID, conv.ID)
	}
	if len(got.Messages) != 0 {
		t.Errorf("messages = %+v, want empty", got.Messages)
	}
}

func TestStore_SavePersistsMessages(t *testing.T) {
	s := newTestStore(t)
	conv, _ := s.New()

	conv.Append(Message{Role: RoleUser, Content: "remember the milk", Timestamp: time.Now().UTC()})
	conv.Append(Message{Role: RoleAssistant, Content: "Noted.", Timestamp: time.Now().UTC()})
	if err := s.Save(conv); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.Title != "remember the milk" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestStore_GetRepairsDanglingToolCall(t *testing.T) {
	s := newTestStore(t)
	conv, _ := s.New()
	conv.Append(Message{Role: RoleUser, Content: "go", Timestamp: time.Now().UTC()})
	conv.Append(toolUse("t1", "slow_tool", "{}"))
	if err := s.Save(conv); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulates a daemon restart mid tool call: the load path repairs.
	got, err := s.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	last := got.Messages[len(got.Messages)-1]
	if last.Role != RoleToolResult || last.Metadata[MetaToolID] != "t1" {
		t.Errorf("last message = %+v, want synthetic tool_result", last)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	conv, _ := s.New()

	if err := s.Delete(conv.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestStore_ListSortedByLastMessage(t *testing.T) {
	s := newTestStore(t)

	older, _ := s.New()
	older.Append(Message{Role: RoleUser, Content: "first", Timestamp: time.Now().UTC().Add(-time.Hour)})
	if err := s.Save(older); err != nil {
		t.Fatal(err)
	}

	newer, _ := s.New()
	newer.Append(Message{Role: RoleUser, Content: "second", Timestamp: time.Now().UTC()})
	if err := s.Save(newer); err != nil {
		t.Fatal(err)
	}

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Errorf("order = [%s %s], want newest first", list[0].ID, list[1].ID)
	}
}

func TestStore_ListSkipsCorruptFiles(t *testing.T) {
	s := newTestStore(t)
	conv, _ := s.New()

	if err := os.WriteFile(filepath.Join(s.dir, "broken.json"), []byte("{oops"), 0o600); err != nil {
		t.Fatal(err)
	}

	list := s.List()
	if len(list) != 1 || list[0].ID != conv.ID {
		t.Errorf("list = %+v, want only the valid conversation", list)
	}
}

func TestStore_ListEmptyDir(t *testing.T) {
	s := &Store{dir: filepath.Join(t.TempDir(), "absent")}
	if list := s.List(); len(list) != 0 {
		t.Errorf("list = %+v, want empty", list)
	}
}

func TestDeriveTitle(t *testing.T) {
	long := "this is a very long first message that definitely exceeds the title limit"
	title := DeriveTitle(long)
	if len(title) > maxTitleLen {
		t.Errorf("title too long: %q (%d)", title, len(title))
	}
	if DeriveTitle("  hi  ") != "hi" {
		t.Errorf("title not trimmed: %q", DeriveTitle("  hi  "))
	}
}
