package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal persists events to an append-only daily file so that the stream of
// lifecycle transitions, traffic shifts and drift alerts survives restarts.
// Each entry is one JSON line, fsynced on write. Journal satisfies Sink and
// is normally subscribed to a Bus.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewJournal creates or opens today's journal file under dir.
func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("events-%s.log", time.Now().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{file: file, path: path}, nil
}

// HandleEvent appends the event. Write failures are logged, not returned;
// a sink must not stall the dispatch loop.
func (j *Journal) HandleEvent(e Event) {
	if err := j.Append(e); err != nil {
		log.Printf("event journal: %v", err)
	}
}

// Append writes one event with fsync.
func (j *Journal) Append(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Path returns the journal's file path.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// ReplayJournal reads all events from a journal file, skipping malformed
// lines (a torn write on crash leaves at most one). A missing file yields no
// events and no error.
func ReplayJournal(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// Rotate closes the current journal and opens a new daily file in dir,
// returning the new journal and the old file's path.
func Rotate(dir string, current *Journal) (*Journal, string, error) {
	oldPath := current.Path()
	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current journal: %w", err)
	}

	next, err := NewJournal(dir)
	if err != nil {
		return nil, "", err
	}
	return next, oldPath, nil
}
