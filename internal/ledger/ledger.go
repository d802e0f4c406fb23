// Package ledger persists the processing status of queue files so that
// side effects survive crashes without repeating. Each queue family
// (mailbox, restart) owns one ledger instance.
//
// A key's status only ever rises through history < job_done < done.
// Consulting the ledger before each side-effecting step is what turns
// the at-least-once file queue into exactly-once-in-effect processing.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sengokulabs/shogun/internal/fsutil"
	"github.com/sengokulabs/shogun/internal/isotime"
)

// Status is a processing milestone for one queue file.
type Status string

const (
	// StatusHistory - the message has been appended to the history log.
	StatusHistory Status = "history"
	// StatusJobDone - the application handler completed.
	StatusJobDone Status = "job_done"
	// StatusDone - the file has been archived.
	StatusDone Status = "done"
)

// Rank orders statuses. Unknown statuses (including the zero value)
// rank below all real milestones.
func (s Status) Rank() int {
	switch s {
	case StatusHistory:
		return 1
	case StatusJobDone:
		return 2
	case StatusDone:
		return 3
	default:
		return 0
	}
}

// Entry is the persisted value for one key.
type Entry struct {
	Status    Status `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

// Ledger is a single-writer persistent status map. All methods are
// safe for concurrent use; writes are serialized and atomic.
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
}

// Open loads the ledger at path, falling back to path.bak when the
// primary is unreadable. A missing file yields an empty ledger. A
// corrupt file (and corrupt backup) yields an empty but usable ledger
// together with the parse error so the caller can log it; continuing
// with a fresh ledger risks duplicated side effects, which operators
// must resolve.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: make(map[string]Entry)}

	data, _, err := fsutil.ReadFileWithBackup(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return l, fmt.Errorf("read ledger: %w", err)
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return l, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	l.entries = entries
	if l.entries == nil {
		l.entries = make(map[string]Entry)
	}
	return l, nil
}

// Status returns the recorded status for key.
func (l *Ledger) Status(key string) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return e.Status, ok
}

// Rank returns the recorded status rank for key, 0 when absent.
func (l *Ledger) Rank(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[key].Status.Rank()
}

// Mark raises key to status and persists the ledger. Marks that would
// lower or repeat the current rank are ignored. The write is atomic
// and the previous version is kept as a .bak sibling.
func (l *Ledger) Mark(key string, status Status) error {
	if status.Rank() == 0 {
		return fmt.Errorf("ledger: unknown status %q", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries[key].Status.Rank() >= status.Rank() {
		return nil
	}
	l.entries[key] = Entry{Status: status, UpdatedAt: isotime.Now()}
	return l.save()
}

// Len returns the number of recorded keys.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// save assumes l.mu is held.
func (l *Ledger) save() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := fsutil.WriteFileWithBackup(l.path, data, 0o644); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}
