// Package session holds the runs of one measurement session together with the
// ledger of runs already accepted by the collector.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

// ErrDuplicateRun is returned when a run id is stored twice.
var ErrDuplicateRun = errors.New("run already stored")

// Session is safe for concurrent use. When created with a directory every
// mutation is written through to disk.
type Session struct {
	dir string
	now func() time.Time

	mu          sync.Mutex
	state       State
	transmitted map[uint32]struct{}
}

// Option customises a Session.
type Option func(*Session)

// WithClock overrides the clock used for the creation timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// New starts an in-memory session.
func New(opts ...Option) *Session {
	s := &Session{now: time.Now, transmitted: make(map[uint32]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	s.state = State{SessionID: uuid.NewString(), CreatedAt: s.now().UTC()}
	return s
}

// Open resumes the session persisted in dir, or starts and persists a new one.
func Open(ctx context.Context, dir string, opts ...Option) (*Session, error) {
	s := New(opts...)
	s.dir = dir

	exists, err := stateExists(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := SaveState(ctx, dir, s.state); err != nil {
			return nil, err
		}
		return s, nil
	}

	state, err := LoadState(ctx, dir)
	if err != nil {
		return nil, err
	}
	if state.SessionID == "" {
		state.SessionID = uuid.NewString()
	}
	s.state = state
	for _, id := range state.Transmitted {
		s.transmitted[id] = struct{}{}
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionID
}

// NextRunCount increments and returns the run counter.
func (s *Session) NextRunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RunCount++
	return s.state.RunCount
}

// Store records a completed run.
func (s *Session) Store(ctx context.Context, run types.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.Runs {
		if existing.ID == run.ID {
			return fmt.Errorf("store run %d: %w", run.ID, ErrDuplicateRun)
		}
	}
	s.state.Runs = append(s.state.Runs, run)
	return s.persistLocked(ctx)
}

// Runs returns all stored runs in completion order.
func (s *Session) Runs() []types.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RunResult, len(s.state.Runs))
	copy(out, s.state.Runs)
	return out
}

// Untransmitted returns stored runs not yet in the ledger. A non-empty
// testName restricts the result to that test.
func (s *Session) Untransmitted(testName string) []types.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.RunResult
	for _, run := range s.state.Runs {
		if _, done := s.transmitted[run.ID]; done {
			continue
		}
		if testName != "" && run.TestName != testName {
			continue
		}
		out = append(out, run)
	}
	return out
}

// IsTransmitted reports whether the run id is in the ledger.
func (s *Session) IsTransmitted(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transmitted[id]
	return ok
}

// MarkTransmitted adds ids to the ledger.
func (s *Session) MarkTransmitted(ctx context.Context, ids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.transmitted[id]; ok {
			continue
		}
		s.transmitted[id] = struct{}{}
		s.state.Transmitted = append(s.state.Transmitted, id)
	}
	return s.persistLocked(ctx)
}

func (s *Session) persistLocked(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	return SaveState(ctx, s.dir, s.state)
}
