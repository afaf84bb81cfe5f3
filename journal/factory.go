package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CreateJournal creates a Journal implementation from a connection string.
// Auto-detects the backend from the URL scheme.
//
// Supported formats:
//   - redis://localhost:6379 - Redis sorted sets
//   - mongodb://localhost:27017/livefeed - MongoDB
//   - memory:// - in-process, non-durable
//   - ./journal.db or any path without a scheme - SQLite
//   - Empty string: SQLite in ~/.livefeed/journal.db
func CreateJournal(connString string) (Journal, error) {
	if connString == "" {
		return NewSQLiteJournal(getDefaultJournalPath())
	}

	switch {
	case strings.HasPrefix(connString, "redis://"):
		return NewRedisJournal(connString)
	case strings.HasPrefix(connString, "mongodb://"), strings.HasPrefix(connString, "mongodb+srv://"):
		return NewMongoJournal(connString)
	case strings.HasPrefix(connString, "memory://"):
		return NewMemoryJournal(), nil
	case strings.HasSuffix(connString, ".db") || !strings.Contains(connString, "://"):
		return NewSQLiteJournal(connString)
	default:
		return nil, fmt.Errorf("unsupported journal URL: %s", connString)
	}
}

func getDefaultJournalPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./journal.db"
	}

	dir := filepath.Join(homeDir, ".livefeed")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "./journal.db"
	}
	return filepath.Join(dir, "journal.db")
}
