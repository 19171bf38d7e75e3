package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/livescribe/internal/metrics"
	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/utils"
)

// SessionStore durably records session metadata. The registry calls it
// outside its lock; failures are logged and never block admission.
type SessionStore interface {
	Create(ctx context.Context, rec *models.Session) error
	End(ctx context.Context, rec *models.Session) error
}

// SessionParams describe a start request.
type SessionParams struct {
	ConnectionID string
	UserID       string
	PatientID    string
	ContextType  string
	Language     string
}

// ContextUpdate changes the subject context of a session. Empty fields are
// left untouched.
type ContextUpdate struct {
	PatientID   string
	ContextType string
	Language    string
}

// QueueEntry is a start request waiting for capacity.
type QueueEntry struct {
	TicketID   string
	Params     SessionParams
	EnqueuedAt time.Time
}

// Admission is the outcome of CreateSession.
type Admission struct {
	Session       *Session
	Queued        bool
	TicketID      string
	Position      int // 1-based
	EstimatedWait time.Duration
}

// RegistryConfig bounds the registry.
type RegistryConfig struct {
	MaxSessions           int
	IdleTimeout           time.Duration
	SweepInterval         time.Duration
	EstimatedWaitPerEntry time.Duration
}

// Registry owns all live sessions and the admission wait queue.
type Registry struct {
	cfg     RegistryConfig
	store   SessionStore
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	queue    []QueueEntry

	hookMu     sync.RWMutex
	onAdmitted func(QueueEntry, *Session)
	onTimeout  func(*Session)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithSessionStore(s SessionStore) RegistryOption {
	return func(r *Registry) { r.store = s }
}

func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(cfg RegistryConfig, logger *logrus.Logger, opts ...RegistryOption) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.EstimatedWaitPerEntry <= 0 {
		cfg.EstimatedWaitPerEntry = 30 * time.Second
	}
	r := &Registry{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnAdmitted registers the callback fired when a queued request is promoted.
func (r *Registry) OnAdmitted(fn func(QueueEntry, *Session)) {
	r.hookMu.Lock()
	r.onAdmitted = fn
	r.hookMu.Unlock()
}

// OnTimeout registers the callback fired before an idle session is closed.
func (r *Registry) OnTimeout(fn func(*Session)) {
	r.hookMu.Lock()
	r.onTimeout = fn
	r.hookMu.Unlock()
}

// CreateSession admits a new session when capacity allows, otherwise appends
// the request to the wait queue. It never fails.
func (r *Registry) CreateSession(ctx context.Context, p SessionParams) Admission {
	r.mu.Lock()
	if len(r.sessions) < r.cfg.MaxSessions && len(r.queue) == 0 {
		s := r.admitLocked(p)
		live, queued := len(r.sessions), len(r.queue)
		r.mu.Unlock()

		r.metrics.RecordAdmitted()
		r.metrics.SetSessionGauges(live, queued)
		r.persistCreate(ctx, s)
		return Admission{Session: s}
	}

	entry := QueueEntry{TicketID: uuid.NewString(), Params: p, EnqueuedAt: r.now()}
	r.queue = append(r.queue, entry)
	pos := len(r.queue)
	live, queued := len(r.sessions), len(r.queue)
	r.mu.Unlock()

	r.metrics.RecordQueued()
	r.metrics.SetSessionGauges(live, queued)
	r.logger.WithFields(logrus.Fields{
		"connection_id": p.ConnectionID,
		"position":      pos,
	}).Info("session request queued")

	return Admission{
		Queued:        true,
		TicketID:      entry.TicketID,
		Position:      pos,
		EstimatedWait: time.Duration(pos) * r.cfg.EstimatedWaitPerEntry,
	}
}

func (r *Registry) admitLocked(p SessionParams) *Session {
	s := newSession(uuid.NewString(), p, r.now())
	r.sessions[s.ID] = s
	r.logger.WithFields(logrus.Fields{
		"session_id":    s.ID,
		"connection_id": p.ConnectionID,
		"user_id":       p.UserID,
	}).Info("session admitted")
	return s
}

// QueuePosition reports the 1-based position of a ticket, or 0 if absent.
func (r *Registry) QueuePosition(ticketID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.queue {
		if e.TicketID == ticketID {
			return i + 1
		}
	}
	return 0
}

// CancelQueued withdraws every queued request of a connection.
func (r *Registry) CancelQueued(connectionID string) int {
	r.mu.Lock()
	kept := r.queue[:0]
	removed := 0
	for _, e := range r.queue {
		if e.Params.ConnectionID == connectionID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.queue = kept
	live, queued := len(r.sessions), len(r.queue)
	r.mu.Unlock()

	if removed > 0 {
		r.metrics.SetSessionGauges(live, queued)
	}
	return removed
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// CloseSession marks a session terminal, records it in the store, removes it
// and admits waiting requests. Closing an unknown or already closing session
// is a no-op that returns false.
func (r *Registry) CloseSession(ctx context.Context, id string, status Status) bool {
	if !status.Terminal() {
		status = StatusError
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		r.mu.Unlock()
		return false
	}
	s.status = status
	s.mu.Unlock()
	r.mu.Unlock()

	s.queue.Close()
	now := r.now()
	r.persistEnd(ctx, s, now)

	r.mu.Lock()
	delete(r.sessions, id)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	promoted := r.promoteLocked()
	live, queued := len(r.sessions), len(r.queue)
	r.mu.Unlock()

	r.metrics.RecordClosed(string(status), now.Sub(s.CreatedAt))
	r.metrics.SetSessionGauges(live, queued)
	r.logger.WithFields(logrus.Fields{
		"session_id": id,
		"status":     status,
	}).Info("session closed")

	r.notifyAdmitted(ctx, promoted)
	return true
}

type promotion struct {
	entry   QueueEntry
	session *Session
}

func (r *Registry) promoteLocked() []promotion {
	var out []promotion
	for len(r.queue) > 0 && len(r.sessions) < r.cfg.MaxSessions {
		entry := r.queue[0]
		r.queue = r.queue[1:]
		out = append(out, promotion{entry: entry, session: r.admitLocked(entry.Params)})
	}
	return out
}

func (r *Registry) notifyAdmitted(ctx context.Context, promoted []promotion) {
	if len(promoted) == 0 {
		return
	}
	r.hookMu.RLock()
	fn := r.onAdmitted
	r.hookMu.RUnlock()

	for _, p := range promoted {
		r.metrics.RecordAdmitted()
		r.persistCreate(ctx, p.session)
		if fn != nil {
			fn(p.entry, p.session)
		}
	}
}

// UpdateActivity refreshes the idle clock of a session.
func (r *Registry) UpdateActivity(id string) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastActivity = r.now()
	s.mu.Unlock()
}

// UpdateContext changes the subject context. Once the first chunk has been
// accepted the context is locked and the call fails with CONTEXT_LOCKED.
func (r *Registry) UpdateContext(id string, u ContextUpdate) error {
	const op = "Registry.UpdateContext"

	s, ok := r.Get(id)
	if !ok {
		return utils.E(utils.CodeSessionNotFound, op, "session not found", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contextLocked {
		return utils.E(utils.CodeContextLocked, op, "session context is locked after the first chunk", nil)
	}
	if u.PatientID != "" {
		s.patientID = u.PatientID
	}
	if u.ContextType != "" {
		s.contextType = u.ContextType
	}
	if u.Language != "" {
		s.language = u.Language
	}
	s.lastActivity = r.now()
	return nil
}

// SetStatus moves a live session between non-terminal states.
func (r *Registry) SetStatus(id string, status Status) error {
	const op = "Registry.SetStatus"

	if status.Terminal() {
		return utils.E(utils.CodeInvalidArgument, op, "terminal statuses are set by CloseSession", nil)
	}
	s, ok := r.Get(id)
	if !ok {
		return utils.E(utils.CodeSessionNotFound, op, "session not found", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return utils.E(utils.CodeInvalidState, op, "session is closing", nil)
	}
	if s.reaping {
		return utils.E(utils.CodeInvalidState, op, "session timed out", nil)
	}
	s.status = status
	s.lastActivity = r.now()
	return nil
}

// MarkIdle detaches a session from its connection without closing it. The
// idle sweep reaps it unless it is reattached first.
func (r *Registry) MarkIdle(id string) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	if !s.status.Terminal() && s.status != StatusCompleting {
		s.status = StatusIdle
		s.connectionID = ""
	}
	s.mu.Unlock()
}

// Reattach binds an IDLE session of the same user to a new connection.
func (r *Registry) Reattach(id, userID, connectionID string) (*Session, error) {
	const op = "Registry.Reattach"

	s, ok := r.Get(id)
	if !ok {
		return nil, utils.E(utils.CodeSessionNotFound, op, "session not found", nil)
	}
	if s.UserID != userID {
		return nil, utils.E(utils.CodeForbidden, op, "session belongs to another user", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle || s.reaping {
		return nil, utils.E(utils.CodeInvalidState, op, "session is not idle", nil)
	}
	s.status = StatusActive
	s.connectionID = connectionID
	s.lastActivity = r.now()
	return s, nil
}

// CleanupIdleSessions notifies and closes every session idle for longer than
// the idle timeout. Sessions that are finalizing are left alone.
func (r *Registry) CleanupIdleSessions(ctx context.Context) []string {
	now := r.now()
	var expired []*Session

	r.mu.Lock()
	for _, s := range r.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity)
		skip := s.status == StatusCompleting || s.status.Terminal()
		s.mu.Unlock()
		if !skip && idle > r.cfg.IdleTimeout {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	r.hookMu.RLock()
	fn := r.onTimeout
	r.hookMu.RUnlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		if !r.claimExpired(s, now) {
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"session_id": s.ID,
			"idle":       now.Sub(s.LastActivity()).String(),
		}).Warn("session idle timeout")
		if fn != nil {
			fn(s)
		}
		if r.CloseSession(ctx, s.ID, StatusTimeout) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// claimExpired re-checks s under its lock and, if it is still idle past the
// timeout and not finalizing, marks it so status changes are refused until it
// is closed.
func (r *Registry) claimExpired(s *Session, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCompleting || s.status.Terminal() || s.reaping {
		return false
	}
	if now.Sub(s.lastActivity) <= r.cfg.IdleTimeout {
		return false
	}
	s.reaping = true
	return true
}

// Run sweeps idle sessions every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := r.CleanupIdleSessions(ctx); len(ids) > 0 {
				r.logger.WithField("count", len(ids)).Info("cleaned up idle sessions")
			}
		}
	}
}

// CloseAll closes every live session with status. Used on shutdown.
func (r *Registry) CloseAll(ctx context.Context, status Status) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.queue = nil
	r.mu.Unlock()

	for _, id := range ids {
		r.CloseSession(ctx, id, status)
	}
}

// Capacity is the configured session limit.
func (r *Registry) Capacity() int { return r.cfg.MaxSessions }

func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Snapshot returns a view of all live sessions.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

const storeTimeout = 10 * time.Second

func (r *Registry) persistCreate(ctx context.Context, s *Session) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := r.store.Create(ctx, s.record(r.now())); err != nil {
		r.logger.WithError(err).WithField("session_id", s.ID).Error("failed to record session start")
	}
}

func (r *Registry) persistEnd(ctx context.Context, s *Session, now time.Time) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := r.store.End(ctx, s.record(now)); err != nil {
		r.logger.WithError(err).WithField("session_id", s.ID).Error("failed to record session end")
	}
}
