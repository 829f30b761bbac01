// Package skills loads user-authored prompt extensions from the skills
// directory.
package skills

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lanternlabs/lantern/internal/logger"
)

// LoadPrompt concatenates every .md file in dir, sorted by file name, into
// one block appended to the system prompt. An absent or empty directory
// yields "". Unreadable files are logged and skipped.
func LoadPrompt(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping unreadable skill", "file", name, "error", err)
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}
