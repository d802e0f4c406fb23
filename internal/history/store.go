// Package history owns the per-thread append-only message log at
// history/{threadId}/messages.jsonl. Appends are single-writer and the
// caller (the mailbox watcher) is ledger-gated, so each message id is
// appended at most once.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sengokulabs/shogun/internal/log"
	"github.com/sengokulabs/shogun/internal/message"
)

const logName = "messages.jsonl"

// Store appends and lists delivered messages.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore returns a store rooted at dir (the history/ directory).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the history root.
func (s *Store) Dir() string {
	return s.dir
}

// threadLog returns the JSONL path for a thread.
func (s *Store) threadLog(threadID string) string {
	return filepath.Join(s.dir, threadID, logName)
}

// Append writes one message as a JSON line. The write is flushed to
// disk before returning so a subsequent ledger mark never outruns it.
func (s *Store) Append(msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.threadLog(msg.ThreadID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create thread history dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer f.Close() //nolint:errcheck // close error is surfaced via Sync below

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return f.Sync()
}

// List returns all messages of a thread in append order. Malformed
// lines are skipped with a warning; duplicate ids are dropped on read
// (they indicate an upstream defect and are logged).
func (s *Store) List(threadID string) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.threadLog(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history log: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	logger := log.WithComponent("history")
	seen := make(map[string]bool)
	var out []message.Message

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warn().Str("thread_id", threadID).Err(err).Msg("skipping malformed history line")
			continue
		}
		if msg.ID != "" && seen[msg.ID] {
			logger.Warn().Str("thread_id", threadID).Str("message_id", msg.ID).Msg("dropping duplicate history entry")
			continue
		}
		seen[msg.ID] = true
		out = append(out, msg)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan history log: %w", err)
	}
	return out, nil
}

// Find looks up one message by id within a thread. Used to re-enqueue
// the originating message when a durable wait is resumed after boot.
func (s *Store) Find(threadID, messageID string) (message.Message, bool, error) {
	msgs, err := s.List(threadID)
	if err != nil {
		return message.Message{}, false, err
	}
	for _, m := range msgs {
		if m.ID == messageID {
			return m, true, nil
		}
	}
	return message.Message{}, false, nil
}
