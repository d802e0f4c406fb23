// Package state persists the coordinator's thread registry: king-level
// conversations, the provider session each agent holds per thread, and
// the last-active thread used when a mailbox filename omits one.
//
// The store is single-writer: every mutation happens under one mutex
// and is flushed atomically (temp + rename, previous version kept as
// state.json.bak) before the mutating call returns.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sengokulabs/shogun/internal/fsutil"
	"github.com/sengokulabs/shogun/internal/isotime"
)

// ErrThreadNotFound is returned when an operation names an unknown thread.
var ErrThreadNotFound = errors.New("thread not found")

// ErrInvalidThreadID is returned for thread ids containing the filename
// delimiter.
var ErrInvalidThreadID = errors.New("thread id must not contain \"__\"")

// Session binds one agent to a provider-side thread.
type Session struct {
	Provider         string `json:"provider"`
	ProviderThreadID string `json:"providerThreadId"`
	Initialized      bool   `json:"initialized"`
}

// Thread is a king-level conversation.
type Thread struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	CreatedAt string             `json:"createdAt"`
	UpdatedAt string             `json:"updatedAt"`
	Sessions  map[string]Session `json:"sessions"`
}

func (t Thread) clone() Thread {
	out := t
	out.Sessions = make(map[string]Session, len(t.Sessions))
	for k, v := range t.Sessions {
		out.Sessions[k] = v
	}
	return out
}

type snapshot struct {
	Threads            map[string]Thread `json:"threads"`
	LastActiveThreadID string            `json:"lastActiveThreadId"`
}

// Store owns state.json. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	data snapshot
}

// Open loads the store at path. A missing file yields an empty store;
// an unreadable primary falls back to the .bak sibling.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: snapshot{Threads: make(map[string]Thread)},
	}

	raw, _, err := fsutil.ReadFileWithBackup(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var data snapshot
	if err := json.Unmarshal(raw, &data); err != nil {
		// The primary may be a torn write from a crash; the backup is
		// the previous complete snapshot.
		bak, bakErr := os.ReadFile(path + ".bak")
		if bakErr != nil || json.Unmarshal(bak, &data) != nil {
			return nil, fmt.Errorf("parse state %s: %w", path, err)
		}
	}
	if data.Threads == nil {
		data.Threads = make(map[string]Thread)
	}
	s.data = data
	return s, nil
}

// CreateThread registers a new thread and makes it the last-active one.
func (s *Store) CreateThread(title string) (Thread, error) {
	now := isotime.Now()
	th := Thread{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Sessions:  make(map[string]Session),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Threads[th.ID] = th
	s.data.LastActiveThreadID = th.ID
	if err := s.save(); err != nil {
		return Thread{}, err
	}
	return th.clone(), nil
}

// EnsureThread registers a thread under an externally supplied id if it
// does not exist yet. Used when a mailbox file references a thread the
// coordinator has not seen.
func (s *Store) EnsureThread(id, title string) (Thread, bool, error) {
	if strings.Contains(id, "__") || id == "" {
		return Thread{}, false, ErrInvalidThreadID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.data.Threads[id]; ok {
		return th.clone(), false, nil
	}
	now := isotime.Now()
	th := Thread{ID: id, Title: title, CreatedAt: now, UpdatedAt: now, Sessions: make(map[string]Session)}
	s.data.Threads[id] = th
	if err := s.save(); err != nil {
		return Thread{}, false, err
	}
	return th.clone(), true, nil
}

// Thread returns a copy of the thread with the given id.
func (s *Store) Thread(id string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.data.Threads[id]
	if !ok {
		return Thread{}, false
	}
	return th.clone(), true
}

// Threads returns all threads, most recently updated first.
func (s *Store) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Thread, 0, len(s.data.Threads))
	for _, th := range s.data.Threads {
		out = append(out, th.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SelectThread marks a thread as last-active.
func (s *Store) SelectThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Threads[id]; !ok {
		return ErrThreadNotFound
	}
	s.data.LastActiveThreadID = id
	return s.save()
}

// DeleteThread removes a thread. Deleting the last-active thread clears
// the pointer.
func (s *Store) DeleteThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Threads[id]; !ok {
		return ErrThreadNotFound
	}
	delete(s.data.Threads, id)
	if s.data.LastActiveThreadID == id {
		s.data.LastActiveThreadID = ""
	}
	return s.save()
}

// LastActiveThreadID returns the fallback thread for mailbox files
// without a thread token, or "" when none is set.
func (s *Store) LastActiveThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastActiveThreadID
}

// TouchThread refreshes a thread's updatedAt. Called when a message in
// that thread is delivered.
func (s *Store) TouchThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.data.Threads[id]
	if !ok {
		return ErrThreadNotFound
	}
	th.UpdatedAt = isotime.Now()
	s.data.Threads[id] = th
	return s.save()
}

// Session returns the provider session one agent holds in a thread.
func (s *Store) Session(threadID, agentID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.data.Threads[threadID]
	if !ok {
		return Session{}, false
	}
	sess, ok := th.Sessions[agentID]
	return sess, ok
}

// SetSession records the provider session for (thread, agent) and
// persists the snapshot before returning.
func (s *Store) SetSession(threadID, agentID string, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.data.Threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	if th.Sessions == nil {
		th.Sessions = make(map[string]Session)
	}
	th.Sessions[agentID] = sess
	th.UpdatedAt = isotime.Now()
	s.data.Threads[threadID] = th
	return s.save()
}

// save assumes s.mu is held.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := fsutil.WriteFileWithBackup(s.path, data, 0o644); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}
