package stream

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yoockh/livescribe/internal/audio"
	"github.com/yoockh/livescribe/internal/logger"
	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/providers/stt"
)

// payloadFor encodes seq as a single pcm16 sample so the fake engine can
// recover which chunks it was given.
func payloadFor(seq int64) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(seq))
	return b
}

func b64For(seq int64) string {
	return base64.StdEncoding.EncodeToString(payloadFor(seq))
}

// fakeEngine transcribes every sample of the container as the word "w<seq>".
type fakeEngine struct {
	confidence float64
	fail       atomic.Bool
	gate       chan struct{} // when set, every call waits for a token

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu      sync.Mutex
	batches [][]int64
	started chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{confidence: 0.95, started: make(chan struct{}, 64)}
}

func (f *fakeEngine) Transcribe(ctx context.Context, wav []byte, language string) (*stt.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	f.calls.Add(1)
	select {
	case f.started <- struct{}{}:
	default:
	}

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errors.New("engine unavailable")
	}

	_, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, err
	}
	var words []string
	var seqs []int64
	for i := 0; i+1 < len(pcm); i += 2 {
		seq := int64(binary.LittleEndian.Uint16(pcm[i:]))
		seqs = append(seqs, seq)
		words = append(words, fmt.Sprintf("w%d", seq))
	}
	f.mu.Lock()
	f.batches = append(f.batches, seqs)
	f.mu.Unlock()

	text := strings.Join(words, " ")
	return &stt.Result{
		Text:       text,
		Confidence: f.confidence,
		Segments:   []stt.Segment{{Text: text, Start: 0, End: 1, Confidence: f.confidence}},
	}, nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) batchLog() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int64(nil), f.batches...)
}

func (f *fakeEngine) waitStarted(d time.Duration) bool {
	select {
	case <-f.started:
		return true
	case <-time.After(d):
		return false
	}
}

type fakeClassifier struct {
	fail  bool
	calls atomic.Int32
}

func (f *fakeClassifier) Classify(ctx context.Context, transcript, language string) (*models.Classification, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, errors.New("model overloaded")
	}
	pulse := 72
	return &models.Classification{
		Categories: []models.Category{models.CategoryVitalSigns},
		Extracted:  models.ExtractedData{models.CategoryVitalSigns: models.VitalSigns{Pulse: &pulse}},
		Confidence: 0.9,
	}, nil
}

func (f *fakeClassifier) Close() error { return nil }

type fakeReviews struct {
	mu    sync.Mutex
	items []*models.ReviewItem
}

func (f *fakeReviews) Submit(ctx context.Context, item *models.ReviewItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return nil
}

func (f *fakeReviews) all() []*models.ReviewItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.ReviewItem(nil), f.items...)
}

type memStore struct {
	mu    sync.Mutex
	recs  map[string]*models.Session
	ended []string
}

func newMemStore() *memStore { return &memStore{recs: map[string]*models.Session{}} }

func (m *memStore) Create(ctx context.Context, rec *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.SessionID] = rec
	return nil
}

func (m *memStore) End(ctx context.Context, rec *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.SessionID] = rec
	m.ended = append(m.ended, rec.SessionID)
	return nil
}

func (m *memStore) get(id string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[id]
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) find(t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return e, true
		}
	}
	return Event{}, false
}

func (r *recorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(maxSessions int, opts ...RegistryOption) *Registry {
	return NewRegistry(RegistryConfig{
		MaxSessions:           maxSessions,
		IdleTimeout:           60 * time.Second,
		EstimatedWaitPerEntry: 30 * time.Second,
	}, logger.Discard(), opts...)
}

func newTestProcessor(engine stt.Provider) *Processor {
	return NewProcessor(BatchConfig{
		MinBatchSize:       3,
		MaxBatchSize:       10,
		Format:             audio.FormatPCM16,
		SampleRate:         16000,
		TranscribeTimeout:  5 * time.Second,
		UncertainThreshold: 0.6,
	}, engine, logger.Discard())
}

func waitFor(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
