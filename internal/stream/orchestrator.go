package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/yoockh/livescribe/internal/audio"
	"github.com/yoockh/livescribe/internal/metrics"
	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/providers/llm"
	"github.com/yoockh/livescribe/internal/utils"
)

// ReviewSink persists review records. Submit is fire-and-forget from the
// pipeline's point of view: failures are logged and never retried here.
type ReviewSink interface {
	Submit(ctx context.Context, item *models.ReviewItem) error
}

// AudioArchiver stores the complete recording of a session and returns its URI.
type AudioArchiver interface {
	Archive(ctx context.Context, sessionID string, wav []byte) (string, error)
}

// PipelineConfig tunes the orchestration layer.
type PipelineConfig struct {
	Format          audio.Format
	SampleRate      int
	ClassifyTimeout time.Duration
	PersistTimeout  time.Duration
	ChunkRetention  time.Duration
	DefaultLanguage string

	// MaxSeqJump drops chunks numbered more than this past the highest
	// received. 0 disables the check.
	MaxSeqJump int64
}

// Pipeline wires the registry, batch processor and engines to client
// connections.
type Pipeline struct {
	cfg        PipelineConfig
	registry   *Registry
	processor  *Processor
	classifier llm.Classifier
	reviews    ReviewSink
	archiver   AudioArchiver
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*Connection

	wg sync.WaitGroup
}

type PipelineOption func(*Pipeline)

func WithReviewSink(s ReviewSink) PipelineOption {
	return func(p *Pipeline) { p.reviews = s }
}

func WithAudioArchiver(a AudioArchiver) PipelineOption {
	return func(p *Pipeline) { p.archiver = a }
}

func WithPipelineMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

func NewPipeline(cfg PipelineConfig, reg *Registry, proc *Processor, classifier llm.Classifier, logger *logrus.Logger, opts ...PipelineOption) *Pipeline {
	if cfg.Format == "" {
		cfg.Format = audio.FormatPCM16
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = 60 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 30 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "ja"
	}

	p := &Pipeline{
		cfg:        cfg,
		registry:   reg,
		processor:  proc,
		classifier: classifier,
		logger:     logger,
		conns:      make(map[string]*Connection),
	}
	for _, o := range opts {
		o(p)
	}

	reg.OnAdmitted(p.handleAdmitted)
	reg.OnTimeout(p.handleTimeout)
	proc.OnAsyncResult(p.handleAsyncResult)
	return p
}

func (p *Pipeline) Registry() *Registry { return p.registry }

// Connect registers a client connection.
func (p *Pipeline) Connect(userID string, out Emitter) *Connection {
	c := &Connection{
		ID:     uuid.NewString(),
		UserID: userID,
		p:      p,
		out:    out,
		state:  ConnIdle,
	}
	c.log = p.logger.WithFields(logrus.Fields{"connection_id": c.ID, "user_id": userID})

	p.mu.Lock()
	p.conns[c.ID] = c
	p.mu.Unlock()
	return c
}

func (p *Pipeline) connection(id string) *Connection {
	if id == "" {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[id]
}

func (p *Pipeline) remove(id string) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

// Wait blocks until background work started by the pipeline has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

func (p *Pipeline) handleAdmitted(entry QueueEntry, s *Session) {
	c := p.connection(entry.Params.ConnectionID)
	if c == nil || !c.admitted(entry, s) {
		p.logger.WithField("session_id", s.ID).Info("promoted request no longer waiting, releasing session")
		p.registry.CloseSession(context.Background(), s.ID, StatusCancelled)
	}
}

func (p *Pipeline) handleTimeout(s *Session) {
	if c := p.connection(s.ConnectionID()); c != nil {
		c.timedOut(s)
	}
}

func (p *Pipeline) handleAsyncResult(s *Session, res *BatchResult, err error) {
	if c := p.connection(s.ConnectionID()); c != nil {
		c.deliver(s, res, err)
	}
}

// ConnState is the protocol state of one connection.
type ConnState string

const (
	ConnIdle       ConnState = "IDLE"
	ConnActive     ConnState = "ACTIVE"
	ConnPaused     ConnState = "PAUSED"
	ConnCompleting ConnState = "COMPLETING"
	ConnClosed     ConnState = "CLOSED"
)

// isValidTransition enforces the allowed connection state machine edges.
func isValidTransition(from, to ConnState) bool {
	switch from {
	case ConnIdle:
		return to == ConnActive || to == ConnClosed
	case ConnActive:
		return to == ConnPaused || to == ConnCompleting || to == ConnClosed
	case ConnPaused:
		return to == ConnActive || to == ConnCompleting || to == ConnClosed
	case ConnCompleting:
		return to == ConnClosed
	default:
		return false
	}
}

// StartRequest opens or resumes a session.
type StartRequest struct {
	PatientID       string
	ContextType     string
	Language        string
	ResumeSessionID string
}

// Connection is the server side of one client socket. Its methods are called
// by the transport's read loop.
type Connection struct {
	ID     string
	UserID string

	p   *Pipeline
	out Emitter
	log *logrus.Entry

	mu       sync.Mutex
	state    ConnState
	session  *Session
	ticketID string
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the bound session, if any.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

func (c *Connection) setStateLocked(to ConnState) bool {
	if !isValidTransition(c.state, to) {
		c.log.WithFields(logrus.Fields{"from": c.state, "to": to}).Warn("invalid connection transition")
		return false
	}
	c.state = to
	return true
}

func (c *Connection) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := c.out.Emit(e); err != nil {
		c.log.WithError(err).WithField("event", e.Type).Warn("failed to emit event")
	}
}

func (c *Connection) emitError(sessionID string, err error) {
	c.emit(errorEvent(EventError, sessionID, err))
}

// Start admits a new session, queues the request, or reattaches an idle
// session when ResumeSessionID is set.
func (c *Connection) Start(ctx context.Context, req StartRequest) {
	const op = "Connection.Start"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ConnClosed {
		return
	}
	if c.state != ConnIdle || c.session != nil || c.ticketID != "" {
		c.emitError(c.sessionIDLocked(), utils.E(utils.CodeInvalidState, op, "session already started", nil))
		return
	}

	if req.ResumeSessionID != "" {
		s, err := c.p.registry.Reattach(req.ResumeSessionID, c.UserID, c.ID)
		if err != nil {
			c.emitError(req.ResumeSessionID, err)
			return
		}
		c.bindLocked(s)
		c.log.WithField("session_id", s.ID).Info("session resumed")
		c.emit(Event{Type: EventStarted, SessionID: s.ID, Resumed: true})
		return
	}

	lang := req.Language
	if lang == "" {
		lang = c.p.cfg.DefaultLanguage
	}
	adm := c.p.registry.CreateSession(ctx, SessionParams{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		PatientID:    req.PatientID,
		ContextType:  req.ContextType,
		Language:     lang,
	})
	if adm.Queued {
		c.ticketID = adm.TicketID
		c.emit(Event{
			Type:            EventQueued,
			Position:        adm.Position,
			EstimatedWaitMs: adm.EstimatedWait.Milliseconds(),
		})
		return
	}
	c.bindLocked(adm.Session)
	c.emit(Event{Type: EventStarted, SessionID: adm.Session.ID})
}

func (c *Connection) bindLocked(s *Session) {
	c.session = s
	c.ticketID = ""
	c.setStateLocked(ConnActive)
}

func (c *Connection) sessionIDLocked() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// admitted binds a promoted session. It returns false when the connection is
// no longer waiting for that ticket.
func (c *Connection) admitted(entry QueueEntry, s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ConnIdle || c.ticketID != entry.TicketID {
		return false
	}
	c.bindLocked(s)
	c.log.WithField("session_id", s.ID).Info("queued request admitted")
	c.emit(Event{Type: EventReady, SessionID: s.ID})
	return true
}

func (c *Connection) timedOut(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != s || c.state == ConnClosed {
		return
	}
	c.setStateLocked(ConnClosed)
	c.emit(Event{Type: EventTimeout, SessionID: s.ID, Message: "session closed after inactivity"})
}

// activeSessionLocked returns the session chunk-level events apply to.
func (c *Connection) activeSessionLocked(op string) (*Session, error) {
	if c.session == nil {
		if c.ticketID != "" {
			return nil, utils.E(utils.CodeInvalidState, op, "session is waiting in queue", nil)
		}
		return nil, utils.E(utils.CodeSessionNotFound, op, "no active session", nil)
	}
	if c.session.finished() {
		return nil, utils.E(utils.CodeSessionNotFound, op, "session has expired", nil)
	}
	if c.state == ConnCompleting {
		return nil, utils.E(utils.CodeInvalidState, op, "session is completing", nil)
	}
	return c.session, nil
}

// Chunk ingests one audio fragment. Malformed payloads are dropped without
// notifying the client. Transcription runs in the background.
func (c *Connection) Chunk(ctx context.Context, seq int64, payload string) {
	const op = "Connection.Chunk"

	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	s, err := c.activeSessionLocked(op)
	if err != nil {
		c.emitError(c.sessionIDLocked(), err)
		c.mu.Unlock()
		return
	}
	paused := c.state == ConnPaused
	c.mu.Unlock()

	data, err := audio.DecodePayload(payload)
	if err == nil && seq < 0 {
		err = utils.E(utils.CodeMalformedChunk, op, "negative sequence number", nil)
	}
	if err == nil && c.p.cfg.MaxSeqJump > 0 {
		if top, ok := s.buffer.MaxSeq(); ok && seq-top > c.p.cfg.MaxSeqJump {
			err = utils.E(utils.CodeMalformedChunk, op, "sequence number jumps too far ahead", nil)
		}
	}
	if err == nil {
		err = audio.ValidateFragment(c.p.cfg.Format, data)
	}
	if err != nil {
		c.p.metrics.RecordMalformedChunk()
		c.log.WithError(err).WithFields(logrus.Fields{"session_id": s.ID, "seq": seq}).Warn("dropping malformed chunk")
		return
	}

	now := time.Now()
	res := s.AddChunk(seq, data, now)
	c.p.metrics.RecordChunk(res.Duplicate, res.OutOfOrder)
	if res.OutOfOrder {
		c.log.WithFields(logrus.Fields{"session_id": s.ID, "seq": seq}).Debug("out-of-order chunk")
	}
	if c.p.cfg.ChunkRetention > 0 {
		s.buffer.Prune(now.Add(-c.p.cfg.ChunkRetention))
	}

	if !paused {
		c.p.spawn(func() { c.runBatch(ctx, s) })
	}
}

func (c *Connection) runBatch(ctx context.Context, s *Session) {
	res, err := c.p.processor.OnChunk(ctx, s)
	c.deliver(s, res, err)
}

// deliver emits the outcome of a transcription pass if the connection still
// owns the session.
func (c *Connection) deliver(s *Session, res *BatchResult, err error) {
	if res == nil && err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s || c.state == ConnClosed {
		return
	}
	if err != nil {
		c.emitError(s.ID, err)
		return
	}
	c.emit(partialEvent(res))
}

// Pause stops batching; chunks are still buffered.
func (c *Connection) Pause(ctx context.Context) {
	const op = "Connection.Pause"

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnClosed {
		return
	}
	s, err := c.activeSessionLocked(op)
	if err == nil && c.state != ConnActive {
		err = utils.E(utils.CodeInvalidState, op, "session is not active", nil)
	}
	if err == nil {
		err = c.p.registry.SetStatus(s.ID, StatusPaused)
	}
	if err != nil {
		c.emitError(c.sessionIDLocked(), err)
		return
	}
	c.setStateLocked(ConnPaused)
	c.emit(Event{Type: EventPaused, SessionID: s.ID})
}

// Resume re-enables batching and catches up on chunks buffered while paused.
func (c *Connection) Resume(ctx context.Context) {
	const op = "Connection.Resume"

	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	s, err := c.activeSessionLocked(op)
	if err == nil && c.state != ConnPaused {
		err = utils.E(utils.CodeInvalidState, op, "session is not paused", nil)
	}
	if err == nil {
		err = c.p.registry.SetStatus(s.ID, StatusActive)
	}
	if err != nil {
		c.emitError(c.sessionIDLocked(), err)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(ConnActive)
	c.emit(Event{Type: EventResumed, SessionID: s.ID})
	c.mu.Unlock()

	c.p.spawn(func() { c.runBatch(ctx, s) })
}

// UpdateContext changes patient or context type before the first chunk.
func (c *Connection) UpdateContext(ctx context.Context, u ContextUpdate) {
	const op = "Connection.UpdateContext"

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnClosed {
		return
	}
	s, err := c.activeSessionLocked(op)
	if err == nil {
		err = c.p.registry.UpdateContext(s.ID, u)
	}
	if err != nil {
		c.emitError(c.sessionIDLocked(), err)
		return
	}
	c.emit(Event{Type: EventContextUpdated, SessionID: s.ID})
}

// Stop finalizes the session: remaining chunks are transcribed, the transcript
// is classified and a review record is handed to persistence.
func (c *Connection) Stop(ctx context.Context) {
	const op = "Connection.Stop"

	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	s, err := c.activeSessionLocked(op)
	if err == nil {
		err = c.p.registry.SetStatus(s.ID, StatusCompleting)
	}
	if err != nil {
		c.emitError(c.sessionIDLocked(), err)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(ConnCompleting)
	c.mu.Unlock()

	log := c.log.WithField("session_id", s.ID)
	log.Info("finalizing session")

	res, err := c.p.processor.ProcessFinalChunks(ctx, s)
	if err != nil {
		c.emitError(s.ID, err)
	} else if res != nil {
		c.emit(partialEvent(res))
	}

	transcript := s.Transcript()
	gaps := s.buffer.Gaps()
	final := Event{Type: EventFinalTranscript, SessionID: s.ID, Text: transcript}
	if gaps.HasGaps {
		final.Gaps = &gaps
	}
	c.emit(final)

	if transcript == "" {
		c.emit(errorEvent(EventCategorizationError, s.ID,
			utils.E(utils.CodeEmptyTranscript, op, "transcript is empty", nil)))
	} else {
		item := c.classify(ctx, s, transcript)
		c.p.persist(ctx, item, s.buffer.Payloads())
	}

	c.p.registry.CloseSession(ctx, s.ID, StatusCompleted)

	c.mu.Lock()
	c.setStateLocked(ConnClosed)
	c.mu.Unlock()
	log.Info("session completed")
}

func (c *Connection) classify(ctx context.Context, s *Session, transcript string) *models.ReviewItem {
	const op = "Connection.classify"

	patientID, contextType := s.Context()
	item := &models.ReviewItem{
		ID:          uuid.NewString(),
		SessionID:   s.ID,
		UserID:      s.UserID,
		PatientID:   patientID,
		ContextType: contextType,
		Language:    s.Language(),
		Transcript:  transcript,
		Categories:  pq.StringArray{},
		Status:      models.ReviewPending,
		CreatedAt:   time.Now().UTC(),
	}

	c.emit(Event{Type: EventCategorizationStarted, SessionID: s.ID})

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.p.cfg.ClassifyTimeout)
	defer cancel()

	start := time.Now()
	cls, err := c.p.classifier.Classify(cctx, transcript, item.Language)
	c.p.metrics.RecordClassification(time.Since(start), err)

	var extracted []byte
	if err == nil {
		extracted, err = json.Marshal(cls.Extracted)
	}
	if err != nil {
		c.log.WithError(err).WithField("session_id", s.ID).Error("classification failed")
		err = utils.E(utils.CodeClassificationFailed, op, "classification failed", err)
		item.Status = models.ReviewClassificationFailed
		item.Error = err.Error()
		c.emit(errorEvent(EventCategorizationError, s.ID, err))
		return item
	}

	item.Categories = pq.StringArray(cls.CategoryNames())
	item.Extracted = datatypes.JSON(extracted)
	item.Confidence = cls.Confidence
	conf := cls.Confidence
	c.emit(Event{
		Type:          EventCategorizationComplete,
		SessionID:     s.ID,
		Categories:    cls.Categories,
		ExtractedData: cls.Extracted,
		Confidence:    &conf,
	})
	return item
}

// persist archives the audio and submits the review record in the background.
func (p *Pipeline) persist(ctx context.Context, item *models.ReviewItem, payloads [][]byte) {
	ctx = context.WithoutCancel(ctx)
	p.spawn(func() {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
		defer cancel()
		log := p.logger.WithField("session_id", item.SessionID)

		if p.archiver != nil && len(payloads) > 0 {
			wav, err := audio.Assemble(p.cfg.Format, p.cfg.SampleRate, payloads)
			if err == nil {
				item.AudioURL, err = p.archiver.Archive(ctx, item.SessionID, wav)
			}
			if err != nil {
				log.WithError(err).Warn("failed to archive session audio")
			}
		}

		if p.reviews == nil {
			return
		}
		err := p.reviews.Submit(ctx, item)
		p.metrics.RecordReviewSubmitted(err)
		if err != nil {
			log.WithError(err).Error("failed to submit review record")
		}
	})
}

// Cancel discards the session without finalization.
func (c *Connection) Cancel(ctx context.Context) {
	const op = "Connection.Cancel"

	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	if c.session == nil {
		if c.ticketID != "" {
			c.p.registry.CancelQueued(c.ID)
			c.ticketID = ""
			c.setStateLocked(ConnClosed)
			c.emit(Event{Type: EventCancelled})
		} else {
			c.emitError("", utils.E(utils.CodeSessionNotFound, op, "no active session", nil))
		}
		c.mu.Unlock()
		return
	}
	if c.state == ConnCompleting {
		c.emitError(c.session.ID, utils.E(utils.CodeInvalidState, op, "session is completing", nil))
		c.mu.Unlock()
		return
	}
	s := c.session
	c.setStateLocked(ConnClosed)
	c.mu.Unlock()

	c.p.registry.CloseSession(ctx, s.ID, StatusCancelled)
	c.emit(Event{Type: EventCancelled, SessionID: s.ID})
}

// Disconnect is called when the transport goes away. A live session is kept
// as IDLE until it is resumed or reaped by the idle sweep.
func (c *Connection) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.ticketID != "" {
		c.p.registry.CancelQueued(c.ID)
		c.ticketID = ""
	}
	if c.session != nil && (c.state == ConnActive || c.state == ConnPaused) {
		c.p.registry.MarkIdle(c.session.ID)
		c.log.WithField("session_id", c.session.ID).Info("client disconnected, session idle")
	}
	if c.state != ConnClosed && c.state != ConnCompleting {
		c.setStateLocked(ConnClosed)
	}
	c.mu.Unlock()

	c.p.remove(c.ID)
}
