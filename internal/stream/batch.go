package stream

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/livescribe/internal/audio"
	"github.com/yoockh/livescribe/internal/metrics"
	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/providers/stt"
	"github.com/yoockh/livescribe/internal/utils"
)

// BatchConfig tunes transcription batching.
type BatchConfig struct {
	MinBatchSize       int
	MaxBatchSize       int
	Format             audio.Format
	SampleRate         int
	TranscribeTimeout  time.Duration
	UncertainThreshold float64
	DefaultLanguage    string
}

// Segment is a transcribed span with an uncertainty flag.
type Segment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Uncertain  bool    `json:"isUncertain"`
}

// BatchResult is the outcome of one transcription pass.
type BatchResult struct {
	SessionID  string
	Sequences  []int64
	Text       string
	Confidence float64
	Segments   []Segment
	Uncertain  bool
	Final      bool
	Duration   time.Duration
}

// BatchJournal records transcription passes for later inspection.
type BatchJournal interface {
	RecordBatch(ctx context.Context, rec *models.BatchRecord) error
}

// Processor runs transcription passes with at most one pass in flight per
// session.
type Processor struct {
	cfg     BatchConfig
	engine  stt.Provider
	logger  *logrus.Logger
	metrics *metrics.Metrics
	journal BatchJournal

	onAsync func(*Session, *BatchResult, error)
}

type ProcessorOption func(*Processor)

func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

func WithBatchJournal(j BatchJournal) ProcessorOption {
	return func(p *Processor) { p.journal = j }
}

func NewProcessor(cfg BatchConfig, engine stt.Provider, logger *logrus.Logger, opts ...ProcessorOption) *Processor {
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 3
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = cfg.MinBatchSize * 4
	}
	if cfg.Format == "" {
		cfg.Format = audio.FormatPCM16
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 60 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "ja"
	}
	p := &Processor{cfg: cfg, engine: engine, logger: logger}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OnAsyncResult registers the sink for follow-up passes that run on a
// session's work queue.
func (p *Processor) OnAsyncResult(fn func(*Session, *BatchResult, error)) {
	p.onAsync = fn
}

// OnChunk runs a transcription pass when enough audio is buffered. If a pass
// is already in flight the request is remembered and a follow-up pass is
// queued when it finishes. A nil result with a nil error means nothing ran.
func (p *Processor) OnChunk(ctx context.Context, s *Session) (*BatchResult, error) {
	if !s.acceptsBatches() {
		return nil, nil
	}
	if s.buffer.UnprocessedCount() < p.cfg.MinBatchSize {
		return nil, nil
	}
	if !s.tryAcquireBatch() {
		return nil, nil
	}

	defer func() {
		if s.releaseBatch() {
			p.scheduleFollowUp(ctx, s)
		}
	}()

	return p.run(ctx, s, s.buffer.Ready(p.cfg.MaxBatchSize), false)
}

func (p *Processor) scheduleFollowUp(ctx context.Context, s *Session) {
	if !s.acceptsBatches() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.queue.Submit(func() {
		res, err := p.OnChunk(ctx, s)
		if (res != nil || err != nil) && p.onAsync != nil {
			p.onAsync(s, res, err)
		}
	})
}

// ProcessFinalChunks waits for any in-flight pass, then transcribes every
// remaining chunk regardless of gaps or batch size.
func (p *Processor) ProcessFinalChunks(ctx context.Context, s *Session) (*BatchResult, error) {
	s.acquireBatchWait()
	defer s.releaseBatch()

	chunks := s.buffer.AllUnprocessed()
	if len(chunks) == 0 {
		return nil, nil
	}
	return p.run(ctx, s, chunks, true)
}

func (p *Processor) run(ctx context.Context, s *Session, chunks []Chunk, final bool) (*BatchResult, error) {
	const op = "Processor.run"

	if len(chunks) == 0 {
		return nil, nil
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	log := p.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"kind":       kind,
		"chunks":     len(chunks),
		"first_seq":  chunks[0].Seq,
		"last_seq":   chunks[len(chunks)-1].Seq,
	})

	seqs := make([]int64, 0, len(chunks))
	payloads := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		seqs = append(seqs, c.Seq)
		if len(c.Payload) > 0 {
			payloads = append(payloads, c.Payload)
		}
	}

	wav, err := audio.Assemble(p.cfg.Format, p.cfg.SampleRate, payloads)
	if err != nil {
		log.WithError(err).Error("failed to assemble audio")
		return nil, utils.E(utils.CodeTranscriptionFailed, op, "failed to assemble audio", err)
	}

	lang := s.Language()
	if lang == "" {
		lang = p.cfg.DefaultLanguage
	}

	// in-flight calls outlive the connection that triggered them
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.TranscribeTimeout)
	defer cancel()

	start := time.Now()
	out, err := p.engine.Transcribe(callCtx, wav, lang)
	took := time.Since(start)
	p.metrics.RecordBatch(kind, len(chunks), took, err)

	if err != nil {
		log.WithError(err).Error("transcription failed")
		p.recordJournal(ctx, s.ID, chunks, final, nil, err, took)
		return nil, utils.E(utils.CodeTranscriptionFailed, op, "transcription failed", err)
	}
	if s.finished() {
		log.Info("discarding transcription result for closed session")
		return nil, nil
	}

	s.buffer.MarkProcessed(seqs, out.Text, out.Confidence)

	res := &BatchResult{
		SessionID:  s.ID,
		Sequences:  seqs,
		Text:       out.Text,
		Confidence: out.Confidence,
		Uncertain:  out.Confidence < p.cfg.UncertainThreshold,
		Final:      final,
		Duration:   took,
	}
	for _, seg := range out.Segments {
		u := seg.Confidence < p.cfg.UncertainThreshold
		res.Segments = append(res.Segments, Segment{
			Text:       seg.Text,
			Start:      seg.Start,
			End:        seg.End,
			Confidence: seg.Confidence,
			Uncertain:  u,
		})
		if u {
			res.Uncertain = true
		}
	}

	log.WithFields(logrus.Fields{
		"confidence": out.Confidence,
		"took_ms":    took.Milliseconds(),
	}).Debug("batch transcribed")
	p.recordJournal(ctx, s.ID, chunks, final, res, nil, took)
	return res, nil
}

const journalTTL = 7 * 24 * time.Hour

func (p *Processor) recordJournal(ctx context.Context, sessionID string, chunks []Chunk, final bool, res *BatchResult, runErr error, took time.Duration) {
	if p.journal == nil {
		return
	}
	now := time.Now()
	rec := &models.BatchRecord{
		SessionID:        sessionID,
		FirstSeq:         chunks[0].Seq,
		LastSeq:          chunks[len(chunks)-1].Seq,
		Chunks:           len(chunks),
		Final:            final,
		Status:           "done",
		ProcessingTimeMS: took.Milliseconds(),
		Timestamp:        now,
		ExpiresAt:        now.Add(journalTTL),
	}
	if res != nil {
		rec.Text = res.Text
		rec.Confidence = res.Confidence
		rec.Uncertain = res.Uncertain
	}
	if runErr != nil {
		rec.Status = "failed"
		rec.Error = runErr.Error()
	}

	go func() {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.journal.RecordBatch(jctx, rec); err != nil {
			p.logger.WithError(err).WithField("session_id", sessionID).Warn("failed to journal batch")
		}
	}()
}
