package workflow

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

	"github.com/lanternlabs/lantern/internal/logger"
)

// ErrNotFound is returned when a workflow or execution id has no file.
var ErrNotFound = errors.New("workflow not found")

// defaultExecutionLimit caps listExecutions results.
const defaultExecutionLimit = 20

// Store persists workflow definitions and executions, one JSON file per
// record, written atomically via temp-file + rename.
type Store struct {
	defDir  string
	execDir string
	mu      sync.Mutex
}

// NewStore creates the store, ensuring both directories exist.
func NewStore(defDir, execDir string) (*Store, error) {
	for _, dir := range []string{defDir, execDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workflow directory: %w", err)
		}
	}
	return &Store{defDir: defDir, execDir: execDir}, nil
}

// SaveDefinition writes a workflow definition atomically.
func (s *Store) SaveDefinition(def *Definition) error {
	return s.write(filepath.Join(s.defDir, def.ID+".json"), def)
}

// GetDefinition loads a workflow definition by id.
func (s *Store) GetDefinition(id string) (*Definition, error) {
	var def Definition
	if err := s.read(filepath.Join(s.defDir, id+".json"), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// DeleteDefinition removes a workflow definition.
func (s *Store) DeleteDefinition(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.defDir, id+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// ListDefinitions returns all workflow definitions sorted by name.
// Unreadable files are logged and skipped.
func (s *Store) ListDefinitions() []*Definition {
	var out []*Definition
	for _, id := range s.ids(s.defDir) {
		def, err := s.GetDefinition(id)
		if err != nil {
			logger.Warn("skipping unreadable workflow", "id", id, "error", err)
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SaveExecution writes an execution record atomically. Called after every
// status transition, so a crash loses at most the in-flight delta.
func (s *Store) SaveExecution(exec *Execution) error {
	return s.write(filepath.Join(s.execDir, exec.ID+".json"), exec)
}

// GetExecution loads an execution by id.
func (s *Store) GetExecution(id string) (*Execution, error) {
	var exec Execution
	if err := s.read(filepath.Join(s.execDir, id+".json"), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns executions for a workflow sorted by start time
// descending, truncated to limit (default 20 when limit <= 0).
func (s *Store) ListExecutions(workflowID string, limit int) []*Execution {
	if limit <= 0 {
		limit = defaultExecutionLimit
	}

	var out []*Execution
	for _, id := range s.ids(s.execDir) {
		exec, err := s.GetExecution(id)
		if err != nil {
			logger.Warn("skipping unreadable execution", "id", id, "error", err)
			continue
		}
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		out = append(out, exec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListAll joins each definition with its latest execution.
func (s *Store) ListAll() []Summary {
	latest := make(map[string]*Execution)
	for _, id := range s.ids(s.execDir) {
		exec, err := s.GetExecution(id)
		if err != nil {
			continue
		}
		if prev, ok := latest[exec.WorkflowID]; !ok || exec.StartedAt.After(prev.StartedAt) {
			latest[exec.WorkflowID] = exec
		}
	}

	defs := s.ListDefinitions()
	out := make([]Summary, 0, len(defs))
	for _, def := range defs {
		out = append(out, Summary{Definition: *def, LastExecution: latest[def.ID]})
	}
	return out
}

func (s *Store) write(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ids enumerates record ids in a directory, sorted for stable ordering.
func (s *Store) ids(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(out)
	return out
}
