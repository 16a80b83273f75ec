package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lazypower/recall/internal/concept"
)

// EventFileSink writes each reminder as a JSON file in a directory, for
// a desktop notifier or another process to pick up.
type EventFileSink struct {
	dir string
}

// NewEventFileSink creates a sink writing to dir (default ~/.recall/reminders).
func NewEventFileSink(dir string) (*EventFileSink, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".recall", "reminders")
	}
	return &EventFileSink{dir: dir}, nil
}

// Dir returns the directory reminders are written to.
func (s *EventFileSink) Dir() string { return s.dir }

// Notify writes n to {dir}/{unixnano}-{concept id}.reminder. The file is
// written under a temporary name and renamed so readers never see a
// partial event.
func (s *EventFileSink) Notify(ctx context.Context, n concept.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", s.dir, err)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	name := fmt.Sprintf("%d-%s.reminder", n.Timestamp.UnixNano(), sanitizeID(string(n.ConceptID)))
	tmp := filepath.Join(s.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("notify: rename %s: %w", name, err)
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, id)
}
