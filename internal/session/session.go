// Package session holds the per-operator conversation state.
package session

import (
	"sync"
	"time"

	"github.com/antonkrylov/streamops/internal/locate"
)

type State int

const (
	Initial State = iota
	ChoosingAction
	ChoosingPushTarget
	ChoosingTable
	ConfirmingRestart
	ChoosingDownloadTable
	EnteringTimeWindow
	ChoosingFileOrConfirm
	ConfirmingTransfer
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case ChoosingAction:
		return "choosing-action"
	case ChoosingPushTarget:
		return "choosing-push-target"
	case ChoosingTable:
		return "choosing-table"
	case ConfirmingRestart:
		return "confirming-restart"
	case ChoosingDownloadTable:
		return "choosing-download-table"
	case EnteringTimeWindow:
		return "entering-time-window"
	case ChoosingFileOrConfirm:
		return "choosing-file"
	case ConfirmingTransfer:
		return "confirming-transfer"
	default:
		return "unknown"
	}
}

// Confirming reports whether s is one of the two states allowed to trigger a
// side effect.
func (s State) Confirming() bool {
	return s == ConfirmingRestart || s == ConfirmingTransfer
}

// Fields are the inputs collected so far. They only grow until the session
// resets.
type Fields struct {
	Target      string
	Table       int
	Requested   time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	Candidates  []locate.Candidate
	Selected    []locate.Candidate
}

type Session struct {
	Operator  string
	State     State
	Fields    Fields
	CreatedAt time.Time

	mu sync.Mutex
}

// TryAcquire claims the session for one event. It returns false while a
// previous event, including its side effect, is still being handled.
func (s *Session) TryAcquire() bool { return s.mu.TryLock() }

func (s *Session) Release() { s.mu.Unlock() }

// Reset returns the session to Initial and clears every field.
func (s *Session) Reset() {
	s.State = Initial
	s.Fields = Fields{}
}

// Restart discards the conversation and stamps a new creation time, as if
// the session had just been created.
func (s *Session) Restart(now time.Time) {
	s.Reset()
	s.CreatedAt = now
}

// Store maps operator identities to sessions. Lookups, inserts and resets are
// synchronized; session contents are guarded by the session itself.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clockFn  func() time.Time
}

func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{sessions: make(map[string]*Session), clockFn: clock}
}

func (s *Store) Get(operator string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[operator]
	return sess, ok
}

// GetOrCreate returns the operator's session, creating one in Initial if
// none exists.
func (s *Store) GetOrCreate(operator string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[operator]; ok {
		return sess
	}
	return s.createLocked(operator)
}

func (s *Store) createLocked(operator string) *Session {
	sess := &Session{Operator: operator, State: Initial, CreatedAt: s.clockFn()}
	s.sessions[operator] = sess
	return sess
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
