package stream

import (
	"sync"
	"time"

	"github.com/yoockh/livescribe/internal/models"
)

// Status is the lifecycle state of a live session.
type Status string

const (
	StatusActive     Status = models.SessionActive
	StatusPaused     Status = models.SessionPaused
	StatusIdle       Status = models.SessionIdle
	StatusCompleting Status = models.SessionCompleting
	StatusCompleted  Status = models.SessionCompleted
	StatusError      Status = models.SessionError
	StatusCancelled  Status = models.SessionCancelled
	StatusTimeout    Status = models.SessionTimeout
)

func (s Status) Terminal() bool { return models.IsTerminal(string(s)) }

type batchState int

const (
	batchIdle batchState = iota
	batchInFlight
	batchInFlightWithPending
)

func (b batchState) String() string {
	switch b {
	case batchInFlight:
		return "in_flight"
	case batchInFlightWithPending:
		return "in_flight_pending"
	default:
		return "idle"
	}
}

// Session is one live recording owned by the Registry.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	buffer *ChunkBuffer
	queue  serialQueue

	mu            sync.Mutex
	batchDone     *sync.Cond
	connectionID  string
	patientID     string
	contextType   string
	language      string
	contextLocked bool
	status        Status
	lastActivity  time.Time
	batch         batchState
	reaping       bool // claimed by the idle sweep
	closed        bool
}

func newSession(id string, p SessionParams, now time.Time) *Session {
	s := &Session{
		ID:           id,
		UserID:       p.UserID,
		CreatedAt:    now,
		buffer:       NewChunkBuffer(),
		connectionID: p.ConnectionID,
		patientID:    p.PatientID,
		contextType:  p.ContextType,
		language:     p.Language,
		status:       StatusActive,
		lastActivity: now,
	}
	s.batchDone = sync.NewCond(&s.mu)
	return s
}

func (s *Session) Buffer() *ChunkBuffer { return s.buffer }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// Context returns the subject identifier and context type.
func (s *Session) Context() (patientID, contextType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patientID, s.contextType
}

func (s *Session) ContextLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextLocked
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Closed reports whether the session was removed from the registry.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// finished is true once the session is closing or closed.
func (s *Session) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.status.Terminal()
}

// AddChunk stores a chunk and locks the context on the first one.
func (s *Session) AddChunk(seq int64, payload []byte, now time.Time) AddResult {
	res := s.buffer.Add(seq, payload, now)
	s.mu.Lock()
	s.contextLocked = true
	s.lastActivity = now
	s.mu.Unlock()
	return res
}

// Transcript is the order-preserving transcript of processed chunks.
func (s *Session) Transcript() string { return s.buffer.Transcript() }

// acceptsBatches is false while paused and once the session is finalizing
// or gone.
func (s *Session) acceptsBatches() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed, s.status.Terminal():
		return false
	case s.status == StatusPaused, s.status == StatusCompleting:
		return false
	}
	return true
}

// tryAcquireBatch moves Idle to InFlight. When a pass is already running it
// records that another pass is wanted and returns false.
func (s *Session) tryAcquireBatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.batch {
	case batchIdle:
		s.batch = batchInFlight
		return true
	default:
		s.batch = batchInFlightWithPending
		return false
	}
}

// acquireBatchWait blocks until no pass is running, then takes the lock.
func (s *Session) acquireBatchWait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.batch != batchIdle {
		s.batchDone.Wait()
	}
	s.batch = batchInFlight
}

// releaseBatch returns to Idle and reports whether a follow-up was requested.
func (s *Session) releaseBatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.batch == batchInFlightWithPending
	s.batch = batchIdle
	s.batchDone.Broadcast()
	return pending
}

func (s *Session) batchState() batchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch
}

// Info is a point-in-time view of a session.
type Info struct {
	SessionID     string      `json:"sessionId"`
	UserID        string      `json:"userId"`
	ConnectionID  string      `json:"connectionId"`
	PatientID     string      `json:"patientId,omitempty"`
	ContextType   string      `json:"contextType,omitempty"`
	Language      string      `json:"language"`
	Status        Status      `json:"status"`
	ContextLocked bool        `json:"contextLocked"`
	Batch         string      `json:"batch"`
	CreatedAt     time.Time   `json:"createdAt"`
	LastActivity  time.Time   `json:"lastActivity"`
	Buffer        BufferStats `json:"buffer"`
	Gaps          GapReport   `json:"gaps"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		SessionID:     s.ID,
		UserID:        s.UserID,
		ConnectionID:  s.connectionID,
		PatientID:     s.patientID,
		ContextType:   s.contextType,
		Language:      s.language,
		Status:        s.status,
		ContextLocked: s.contextLocked,
		Batch:         s.batch.String(),
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.lastActivity,
	}
	s.mu.Unlock()
	info.Buffer = s.buffer.Stats()
	info.Gaps = s.buffer.Gaps()
	return info
}

// record renders the session as a store record.
func (s *Session) record(now time.Time) *models.Session {
	s.mu.Lock()
	rec := &models.Session{
		SessionID:    s.ID,
		ConnectionID: s.connectionID,
		UserID:       s.UserID,
		PatientID:    s.patientID,
		ContextType:  s.contextType,
		Language:     s.language,
		Status:       string(s.status),
		CreatedAt:    s.CreatedAt,
	}
	s.mu.Unlock()

	st := s.buffer.Stats()
	rec.ChunksReceived = st.Received
	rec.ChunksOutOfOrder = st.OutOfOrder
	if models.IsTerminal(rec.Status) {
		rec.Transcript = s.buffer.Transcript()
		ended := now
		rec.EndedAt = &ended
		rec.DurationSeconds = int64(now.Sub(s.CreatedAt).Seconds())
	}
	return rec
}
