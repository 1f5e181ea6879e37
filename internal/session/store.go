// Package session holds the process-wide table of live chat sessions: one
// private channel and one conversation transcript per user.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/parlor/internal/persona"
)

// Role tags a transcript turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single role-tagged entry in a transcript.
type Turn struct {
	Role Role
	Text string
}

// State is the lifecycle state of a live session.
type State string

const (
	StateActive  State = "active"
	StateClosing State = "closing"
)

var (
	// ErrSessionExists is returned when a user already has a live or
	// reserved session.
	ErrSessionExists = errors.New("session: user already has an active session")
	// ErrNoSession is returned when an operation needs a session that does
	// not exist.
	ErrNoSession = errors.New("session: no session for user")
)

// Session is a snapshot of one user's live session. Values returned by the
// Store are copies; mutating them does not affect the Store.
type Session struct {
	ID        string
	UserID    string
	PersonaID string
	ChannelID string
	State     State
	OpenedAt  time.Time

	Transcript []Turn
}

// Turns returns the number of user and assistant turns (excluding the
// system prompt).
func (s Session) Turns() int {
	if len(s.Transcript) == 0 {
		return 0
	}
	return len(s.Transcript) - 1
}

// Store is a concurrency-safe table of sessions keyed by user ID. It keeps
// three records per user: the session itself (channel + transcript), a
// reverse channel index, and the last-activity timestamp. Activity is tracked
// for every user that touches the bot, with or without a session.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*Session  // key: userID
	byChannel map[string]string    // channelID -> userID
	reserved  map[string]bool      // userIDs with a session being opened
	activity  map[string]time.Time // userID -> last activity
	now       func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]*Session),
		byChannel: make(map[string]string),
		reserved:  make(map[string]bool),
		activity:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Reserve claims the session slot for userID while its channel is being
// created. It fails with ErrSessionExists if the user already has a live or
// reserved session. A reservation is consumed by Create or dropped by Release.
func (s *Store) Reserve(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[userID]; ok || s.reserved[userID] {
		return ErrSessionExists
	}
	s.reserved[userID] = true
	return nil
}

// Release drops a reservation made by Reserve. It is a no-op if none exists.
func (s *Store) Release(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, userID)
}

// Create registers a new session bound to channelID, seeding the transcript
// with the persona's system prompt and setting last activity to now. It fails
// with ErrSessionExists if a live session already exists for userID. A
// reservation held for userID is consumed.
func (s *Store) Create(userID string, p persona.Persona, channelID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[userID]; ok {
		return Session{}, ErrSessionExists
	}
	delete(s.reserved, userID)

	now := s.now()
	sess := &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		PersonaID:  p.ID,
		ChannelID:  channelID,
		State:      StateActive,
		OpenedAt:   now,
		Transcript: []Turn{{Role: RoleSystem, Text: p.Prompt}},
	}
	s.sessions[userID] = sess
	s.byChannel[channelID] = userID
	s.activity[userID] = now
	return sess.snapshot(), nil
}

// Touch records activity for userID, whether or not it has a session.
func (s *Store) Touch(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity[userID] = s.now()
}

// LastActivity returns the last recorded activity for userID.
func (s *Store) LastActivity(userID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.activity[userID]
	return t, ok
}

// AppendUserTurn appends a user turn to session sessionID. It reports false
// if the user's current session is a different one or is closing.
func (s *Store) AppendUserTurn(userID, sessionID, text string) bool {
	return s.appendTurn(userID, sessionID, RoleUser, text)
}

// AppendAssistantTurn appends an assistant turn to session sessionID. It
// reports false if the user's current session is a different one or is
// closing.
func (s *Store) AppendAssistantTurn(userID, sessionID, text string) bool {
	return s.appendTurn(userID, sessionID, RoleAssistant, text)
}

func (s *Store) appendTurn(userID, sessionID string, role Role, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok || sess.ID != sessionID || sess.State != StateActive {
		return false
	}
	sess.Transcript = append(sess.Transcript, Turn{Role: role, Text: text})
	return true
}

// Lookup returns the session for userID.
func (s *Store) Lookup(userID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// LookupByChannel returns the session bound to channelID.
func (s *Store) LookupByChannel(channelID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.byChannel[channelID]
	if !ok {
		return Session{}, false
	}
	return s.sessions[userID].snapshot(), true
}

// BeginClose moves the user's session from active to closing and returns it.
// It reports false if there is no session or it is already closing, so only
// one caller ever performs teardown.
func (s *Store) BeginClose(userID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok || sess.State == StateClosing {
		return Session{}, false
	}
	sess.State = StateClosing
	return sess.snapshot(), true
}

// Destroy removes the session, channel index, and activity records for
// userID. It is idempotent and returns the removed session, if any.
func (s *Store) Destroy(userID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activity, userID)
	delete(s.reserved, userID)
	sess, ok := s.sessions[userID]
	if !ok {
		return Session{}, false
	}
	delete(s.sessions, userID)
	if s.byChannel[sess.ChannelID] == userID {
		delete(s.byChannel, sess.ChannelID)
	}
	return sess.snapshot(), true
}

// Idle returns the active sessions whose owner's last activity is more than
// threshold before now, ordered by user ID.
func (s *Store) Idle(threshold time.Duration) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []Session
	for userID, sess := range s.sessions {
		if sess.State != StateActive {
			continue
		}
		last, ok := s.activity[userID]
		if !ok || now.Sub(last) > threshold {
			out = append(out, sess.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PruneActivity drops activity records older than threshold for users
// without a session. It returns the number of records removed.
func (s *Store) PruneActivity(threshold time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for userID, last := range s.activity {
		if _, live := s.sessions[userID]; live {
			continue
		}
		if now.Sub(last) > threshold {
			delete(s.activity, userID)
			n++
		}
	}
	return n
}

// List returns snapshots of all sessions, ordered by open time.
func (s *Store) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (sess *Session) snapshot() Session {
	cp := *sess
	cp.Transcript = make([]Turn, len(sess.Transcript))
	copy(cp.Transcript, sess.Transcript)
	return cp
}
