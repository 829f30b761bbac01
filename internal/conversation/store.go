package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanternlabs/lantern/internal/logger"
)

// ErrNotFound is returned when a conversation id has no file.
var ErrNotFound = errors.New("conversation not found")

// Store persists one pretty-printed JSON file per conversation, written
// atomically via temp-file + rename. The daemon is the sole writer.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the store, ensuring its directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// New creates and persists an empty conversation.
func (s *Store) New() (*Conversation, error) {
	conv := &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Messages:  []Message{},
	}
	if err := s.Save(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Save writes the conversation atomically.
func (s *Store) Save(conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return err
	}

	path := s.path(conv.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get loads a conversation by id, repairing any dangling tool calls so a
// restart never produces an upstream-rejected transcript.
func (s *Store) Get(id string) (*Conversation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	conv.Messages = Repair(conv.Messages)
	return &conv, nil
}

// Delete removes a conversation and, with it, every message it owns.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// List enumerates all conversations sorted by last message time, newest
// first. Files that fail to decode are logged and skipped.
func (s *Store) List() []*Conversation {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		// An absent directory is an empty list, not a failure.
		return nil
	}

	var out []*Conversation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		conv, err := s.Get(id)
		if err != nil {
			logger.Warn("skipping unreadable conversation", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, conv)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageTime().After(out[j].LastMessageTime())
	})
	return out
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
