package decision

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/modelpilot/canary/internal/api"
)

// AuditLog is an append-only, fsync'd file log of rollout decisions. Every
// decision the engine makes lands here exactly once, giving operators a
// replayable audit trail independent of the deployment store.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewAuditLog creates or opens a date-stamped decision log in dirPath.
func NewAuditLog(dirPath string) (*AuditLog, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	path := filepath.Join(dirPath, fmt.Sprintf("decisions-%s.log", time.Now().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &AuditLog{file: file, path: path}, nil
}

// Path returns the log file path.
func (a *AuditLog) Path() string { return a.path }

// Append writes one decision as a JSON line with fsync.
func (a *AuditLog) Append(dec *api.RolloutDecision) error {
	data, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	// fsync so the audit record survives a crash between decision and
	// execution.
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// Close flushes and closes the log.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.file.Sync(); err != nil {
		return err
	}
	return a.file.Close()
}

// Replay reads all decisions from an audit log file. Corrupt trailing lines
// (torn writes) are skipped rather than failing the whole replay.
func Replay(path string) ([]*api.RolloutDecision, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []*api.RolloutDecision
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var dec api.RolloutDecision
		if err := json.Unmarshal(scanner.Bytes(), &dec); err != nil {
			continue
		}
		out = append(out, &dec)
	}
	return out, scanner.Err()
}
