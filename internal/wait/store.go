// Package wait persists waitForMessage suspensions. The in-memory
// rendezvous inside a runtime is only a shortcut; correctness lives in
// these records plus the re-enqueue pass at boot, so a wait survives
// crashes of the whole process.
package wait

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sengokulabs/shogun/internal/fsutil"
	"github.com/sengokulabs/shogun/internal/isotime"
	"github.com/sengokulabs/shogun/internal/message"
)

// Status of a wait record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReceived Status = "received"
	StatusTimeout  Status = "timeout"
)

// DefaultTimeoutMs applies when a waitForMessage call names no timeout.
const DefaultTimeoutMs int64 = 60_000

// Origin identifies the message whose turn suspended.
type Origin struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
}

// Record is one durable suspension, keyed by (thread, agent).
type Record struct {
	Status           Status           `json:"status"`
	ThreadID         string           `json:"threadId"`
	AgentID          string           `json:"agentId"`
	ProviderThreadID string           `json:"providerThreadId"`
	TimeoutMs        int64            `json:"timeoutMs"`
	Message          Origin           `json:"message"`
	CreatedAt        string           `json:"createdAt"`
	UpdatedAt        string           `json:"updatedAt"`
	ReceivedAt       string           `json:"receivedAt,omitempty"`
	ReceivedMessage  *message.Message `json:"receivedMessage,omitempty"`
}

// Key renders the record key {threadId}__{agentId}. Thread ids are
// forbidden from containing the delimiter, so the key splits cleanly.
func Key(threadID, agentID string) string {
	return threadID + "__" + agentID
}

// Store owns waits/pending/. Safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore returns a store rooted at dir (the waits/ directory).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) pendingDir() string {
	return filepath.Join(s.dir, "pending")
}

func (s *Store) recordPath(threadID, agentID string) string {
	return filepath.Join(s.pendingDir(), Key(threadID, agentID)+".json")
}

// Put creates or replaces the record for (thread, agent).
func (s *Store) Put(rec Record) error {
	if rec.ThreadID == "" || rec.AgentID == "" {
		return fmt.Errorf("wait record needs thread and agent ids")
	}
	now := isotime.Now()
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(rec)
}

// Get loads the record for (thread, agent).
func (s *Store) Get(threadID, agentID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(threadID, agentID)
}

// MarkReceived transitions pending → received, storing the message that
// satisfied the wait. It reports false without error when the record is
// absent or no longer pending (a timeout won the race).
func (s *Store) MarkReceived(threadID, agentID string, msg message.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.read(threadID, agentID)
	if err != nil || !ok || rec.Status != StatusPending {
		return false, err
	}
	now := isotime.Now()
	rec.Status = StatusReceived
	rec.ReceivedAt = now
	rec.UpdatedAt = now
	rec.ReceivedMessage = &msg
	if err := s.write(rec); err != nil {
		return false, err
	}
	return true, nil
}

// MarkTimeout transitions pending → timeout. It reports false without
// error when the record is absent or a receive won the race.
func (s *Store) MarkTimeout(threadID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.read(threadID, agentID)
	if err != nil || !ok || rec.Status != StatusPending {
		return false, err
	}
	rec.Status = StatusTimeout
	rec.UpdatedAt = isotime.Now()
	if err := s.write(rec); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes the record once the suspended turn has completed.
func (s *Store) Clear(threadID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.recordPath(threadID, agentID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear wait record: %w", err)
	}
	return nil
}

// ListAgent returns every record belonging to one agent. Used at boot
// to resume suspended turns.
func (s *Store) ListAgent(agentID string) ([]Record, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// List returns every stored record. Unreadable files are skipped.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.pendingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read waits dir: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.pendingDir(), e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// read assumes s.mu is held.
func (s *Store) read(threadID, agentID string) (Record, bool, error) {
	data, err := os.ReadFile(s.recordPath(threadID, agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read wait record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("parse wait record: %w", err)
	}
	return rec, true, nil
}

// write assumes s.mu is held.
func (s *Store) write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode wait record: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.recordPath(rec.ThreadID, rec.AgentID), data, 0o644); err != nil {
		return fmt.Errorf("persist wait record: %w", err)
	}
	return nil
}
