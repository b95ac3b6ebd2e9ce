package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowagent-network/flowagent/pkg/lock"
)

// DefaultDir is where marker files live unless configured otherwise.
const DefaultDir = "/var/log/flowagent"

// FileStore keeps each marker in its own file. Every read and write holds the
// marker's named lock, and writes go through a temp file and rename so a
// reader never observes a partial timestamp.
type FileStore struct {
	dir    string
	locker *lock.Locker
}

// NewFileStore creates a file store. Marker locks use 5 retries 100ms apart.
func NewFileStore(dir string, locker *lock.Locker) *FileStore {
	if dir == "" {
		dir = DefaultDir
	}
	l := *locker
	l.Retries = 5
	l.Backoff = 100 * time.Millisecond
	return &FileStore{dir: dir, locker: &l}
}

// Path returns the file backing a marker.
func (s *FileStore) Path(ch Channel, o Outcome) string {
	return filepath.Join(s.dir, MarkerName(ch, o)+".log")
}

// Mark overwrites the marker with at, in UTC.
func (s *FileStore) Mark(ctx context.Context, ch Channel, o Outcome, at time.Time) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating health directory: %w", err)
	}
	path := s.Path(ch, o)
	line := at.UTC().Format(time.RFC3339Nano) + "\n"

	return s.locker.With(ctx, MarkerName(ch, o), func() error {
		tmp, err := os.CreateTemp(s.dir, "."+MarkerName(ch, o)+"-*")
		if err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(line); err != nil {
			tmp.Close()
			return fmt.Errorf("writing %s: %w", path, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		if err := os.Chmod(tmp.Name(), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		return os.Rename(tmp.Name(), path)
	})
}

// Last reads the marker. A missing file or one with no parseable line reads
// as the zero time.
func (s *FileStore) Last(ctx context.Context, ch Channel, o Outcome) (time.Time, error) {
	var at time.Time
	err := s.locker.With(ctx, MarkerName(ch, o), func() error {
		data, err := os.ReadFile(s.Path(ch, o))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		at = parseMarker(string(data))
		return nil
	})
	return at, err
}

// Reset removes every marker file.
func (s *FileStore) Reset(ctx context.Context) error {
	for _, ch := range Channels {
		for _, o := range Outcomes {
			err := s.locker.With(ctx, MarkerName(ch, o), func() error {
				if err := os.Remove(s.Path(ch, o)); err != nil && !os.IsNotExist(err) {
					return err
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// parseMarker returns the first line that parses as a timestamp. Older
// agents wrote `"<iso time>",<json>` lines without a zone, so the quoted
// prefix and zoneless forms are accepted and read as UTC.
func parseMarker(data string) time.Time {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"}
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, `"`) {
			if end := strings.Index(line[1:], `"`); end >= 0 {
				line = line[1 : end+1]
			}
		}
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, line, time.UTC); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}
