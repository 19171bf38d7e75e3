package stream

import (
	"context"
	"encoding/base64"
	"reflect"
	"testing"
	"time"

	"github.com/yoockh/livescribe/internal/audio"
	"github.com/yoockh/livescribe/internal/logger"
	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/utils"
)

type testPipeline struct {
	*Pipeline
	engine     *fakeEngine
	classifier *fakeClassifier
	reviews    *fakeReviews
	store      *memStore
}

func newTestPipeline(maxSessions int, opts ...RegistryOption) *testPipeline {
	tp := &testPipeline{
		engine:     newFakeEngine(),
		classifier: &fakeClassifier{},
		reviews:    &fakeReviews{},
		store:      newMemStore(),
	}
	reg := newTestRegistry(maxSessions, append([]RegistryOption{WithSessionStore(tp.store)}, opts...)...)
	proc := newTestProcessor(tp.engine)
	tp.Pipeline = NewPipeline(PipelineConfig{Format: audio.FormatPCM16, SampleRate: 16000},
		reg, proc, tp.classifier, logger.Discard(), WithReviewSink(tp.reviews))
	return tp
}

// settle waits for background passes of c's session to finish.
func (tp *testPipeline) settle(c *Connection) {
	tp.Wait()
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		s.queue.Wait()
	}
	tp.Wait()
}

func sendChunks(c *Connection, seqs ...int64) {
	for _, seq := range seqs {
		c.Chunk(context.Background(), seq, b64For(seq))
	}
}

func TestSingleSlotQueueThenReady(t *testing.T) {
	tp := newTestPipeline(1)
	ctx := context.Background()

	recA, recB := &recorder{}, &recorder{}
	a := tp.Connect("nurse-a", recA)
	b := tp.Connect("nurse-b", recB)

	a.Start(ctx, StartRequest{PatientID: "p-1"})
	b.Start(ctx, StartRequest{PatientID: "p-2"})

	if _, ok := recA.find(EventStarted); !ok {
		t.Fatalf("A events = %v", recA.types())
	}
	q, ok := recB.find(EventQueued)
	if !ok || q.Position != 1 || q.EstimatedWaitMs != 30000 {
		t.Fatalf("B queued event = %+v (events %v)", q, recB.types())
	}

	a.Stop(ctx)

	ready, ok := recB.find(EventReady)
	if !ok || ready.SessionID == "" {
		t.Fatalf("B should be ready, events %v", recB.types())
	}
	if b.State() != ConnActive || b.SessionID() != ready.SessionID {
		t.Errorf("B state=%s session=%s", b.State(), b.SessionID())
	}
	if a.State() != ConnClosed {
		t.Errorf("A state = %s", a.State())
	}
}

func TestFullSessionFlow(t *testing.T) {
	tp := newTestPipeline(2)
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)

	c.Start(ctx, StartRequest{PatientID: "p-9", ContextType: "vitals", Language: "ja"})
	sendChunks(c, 0, 2, 1, 3, 4)
	tp.settle(c)

	if rec.count(EventPartialTranscript) == 0 {
		t.Fatalf("expected partial transcripts, events %v", rec.types())
	}
	sessionID := c.SessionID()

	c.Stop(ctx)
	tp.Wait()

	final, ok := rec.find(EventFinalTranscript)
	if !ok || final.Text != "w0 w1 w2 w3 w4" {
		t.Fatalf("final transcript = %+v", final)
	}
	done, ok := rec.find(EventCategorizationComplete)
	if !ok || !reflect.DeepEqual(done.Categories, []models.Category{models.CategoryVitalSigns}) {
		t.Fatalf("categorization = %+v (events %v)", done, rec.types())
	}
	if _, ok := done.ExtractedData[models.CategoryVitalSigns].(models.VitalSigns); !ok {
		t.Errorf("extracted data = %+v", done.ExtractedData)
	}

	types := rec.types()
	idx := func(et EventType) int {
		for i, x := range types {
			if x == et {
				return i
			}
		}
		return -1
	}
	if !(idx(EventFinalTranscript) < idx(EventCategorizationStarted) && idx(EventCategorizationStarted) < idx(EventCategorizationComplete)) {
		t.Errorf("event order = %v", types)
	}

	items := tp.reviews.all()
	if len(items) != 1 {
		t.Fatalf("review items = %d", len(items))
	}
	it := items[0]
	if it.SessionID != sessionID || it.PatientID != "p-9" || it.Status != models.ReviewPending || it.Transcript != "w0 w1 w2 w3 w4" {
		t.Errorf("review item = %+v", it)
	}
	if len(it.Categories) != 1 || it.Categories[0] != "vital_signs" {
		t.Errorf("categories = %v", it.Categories)
	}

	if c.State() != ConnClosed || tp.Registry().LiveCount() != 0 {
		t.Errorf("state=%s live=%d", c.State(), tp.Registry().LiveCount())
	}
	if rec := tp.store.get(sessionID); rec == nil || rec.Status != models.SessionCompleted || rec.Transcript != "w0 w1 w2 w3 w4" {
		t.Errorf("stored session = %+v", rec)
	}
	if tp.engine.maxInFlight.Load() != 1 {
		t.Errorf("engine saw %d concurrent calls", tp.engine.maxInFlight.Load())
	}
}

func TestClassificationFailureStillCreatesReview(t *testing.T) {
	tp := newTestPipeline(1)
	tp.classifier.fail = true
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)

	c.Start(ctx, StartRequest{})
	sendChunks(c, 0, 1)
	c.Stop(ctx)
	tp.Wait()

	ev, ok := rec.find(EventCategorizationError)
	if !ok || ev.Code != utils.CodeClassificationFailed {
		t.Fatalf("categorization error = %+v (events %v)", ev, rec.types())
	}
	items := tp.reviews.all()
	if len(items) != 1 || items[0].Status != models.ReviewClassificationFailed || items[0].Transcript != "w0 w1" {
		t.Fatalf("review items = %+v", items)
	}
}

func TestEmptyTranscriptSkipsClassification(t *testing.T) {
	tp := newTestPipeline(1)
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)

	c.Start(ctx, StartRequest{})
	c.Stop(ctx)
	tp.Wait()

	ev, ok := rec.find(EventCategorizationError)
	if !ok || ev.Code != utils.CodeEmptyTranscript {
		t.Fatalf("events = %v", rec.types())
	}
	if tp.classifier.calls.Load() != 0 || len(tp.reviews.all()) != 0 {
		t.Error("empty transcript must not be classified or persisted")
	}
}

func TestMalformedChunksAreDroppedSilently(t *testing.T) {
	tp := newTestPipeline(1)
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)
	c.Start(ctx, StartRequest{})

	c.Chunk(ctx, 0, "%%% not base64 %%%")
	c.Chunk(ctx, 1, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	c.Chunk(ctx, -1, b64For(1))
	tp.settle(c)

	if n := rec.count(EventError); n != 0 {
		t.Fatalf("malformed chunks must not surface errors, got %d", n)
	}
	c.mu.Lock()
	st := c.session.buffer.Stats()
	c.mu.Unlock()
	if st.Received != 0 {
		t.Errorf("buffer received %d chunks", st.Received)
	}
	if c.session.ContextLocked() {
		t.Error("dropped chunks must not lock the context")
	}
}

func TestChunkJumpingTooFarAheadIsDropped(t *testing.T) {
	tp := newTestPipeline(1)
	tp.cfg.MaxSeqJump = 100
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)
	c.Start(ctx, StartRequest{})

	c.Chunk(ctx, 0, b64For(0))
	c.Chunk(ctx, 1_000_000_000_000_000, b64For(1))
	c.Chunk(ctx, 100, b64For(100))
	tp.settle(c)

	if n := rec.count(EventError); n != 0 {
		t.Fatalf("dropped chunks must not surface errors, got %d", n)
	}
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if top, _ := s.buffer.MaxSeq(); top != 100 {
		t.Errorf("max seq = %d, want 100", top)
	}
	if st := s.buffer.Stats(); st.Received != 2 {
		t.Errorf("buffer received %d chunks, want 2", st.Received)
	}
}

func TestChunkWithoutSessionIsAnError(t *testing.T) {
	tp := newTestPipeline(1)
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)

	c.Chunk(context.Background(), 0, b64For(0))
	ev, ok := rec.find(EventError)
	if !ok || ev.Code != utils.CodeSessionNotFound {
		t.Fatalf("events = %+v", rec.events)
	}
}

func TestCancelSkipsFinalization(t *testing.T) {
	tp := newTestPipeline(1)
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)

	c.Start(ctx, StartRequest{})
	sendChunks(c, 0, 1)
	c.Cancel(ctx)
	tp.Wait()

	if _, ok := rec.find(EventCancelled); !ok {
		t.Fatalf("events = %v", rec.types())
	}
	if _, ok := rec.find(EventFinalTranscript); ok {
		t.Error("cancel must not produce a final transcript")
	}
	if tp.classifier.calls.Load() != 0 || len(tp.reviews.all()) != 0 {
		t.Error("cancel must not classify or persist")
	}
	if tp.Registry().LiveCount() != 0 {
		t.Error("cancelled session still live")
	}

	before := len(rec.types())
	c.Chunk(ctx, 2, b64For(2))
	c.Stop(ctx)
	c.Pause(ctx)
	if after := len(rec.types()); after != before {
		t.Errorf("events after close should be ignored, got %v", rec.types()[before:])
	}
}

func TestCancelWhileQueued(t *testing.T) {
	tp := newTestPipeline(1)
	ctx := context.Background()
	a := tp.Connect("a", &recorder{})
	recB := &recorder{}
	b := tp.Connect("b", recB)

	a.Start(ctx, StartRequest{})
	b.Start(ctx, StartRequest{})
	b.Cancel(ctx)

	if tp.Registry().QueueLength() != 0 {
		t.Fatal("queued request should be withdrawn")
	}
	if _, ok := recB.find(EventCancelled); !ok {
		t.Errorf("events = %v", recB.types())
	}
}

func TestPauseBuffersAndResumeCatchesUp(t *testing.T) {
	tp := newTestPipeline(1)
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)

	c.Start(ctx, StartRequest{})
	c.Pause(ctx)
	sendChunks(c, 0, 1, 2, 3)
	tp.settle(c)

	if tp.engine.calls.Load() != 0 {
		t.Fatalf("engine called while paused")
	}
	if c.State() != ConnPaused {
		t.Fatalf("state = %s", c.State())
	}

	c.Resume(ctx)
	tp.settle(c)

	p, ok := rec.find(EventPartialTranscript)
	if !ok || p.Text != "w0 w1 w2 w3" {
		t.Fatalf("partial after resume = %+v (events %v)", p, rec.types())
	}
	if _, ok := rec.find(EventResumed); !ok {
		t.Error("missing resumed ack")
	}
}

func TestTranscriptionFailureKeepsSessionAlive(t *testing.T) {
	tp := newTestPipeline(1)
	tp.engine.fail.Store(true)
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)

	c.Start(ctx, StartRequest{})
	sendChunks(c, 0, 1, 2)
	tp.settle(c)

	ev, ok := rec.find(EventError)
	if !ok || ev.Code != utils.CodeTranscriptionFailed {
		t.Fatalf("events = %+v", rec.events)
	}
	if c.State() != ConnActive || tp.Registry().LiveCount() != 1 {
		t.Fatalf("session should survive, state=%s", c.State())
	}

	tp.engine.fail.Store(false)
	c.Stop(ctx)
	tp.Wait()
	if final, _ := rec.find(EventFinalTranscript); final.Text != "w0 w1 w2" {
		t.Errorf("final transcript = %q", final.Text)
	}
}

func TestContextLockedAfterFirstChunk(t *testing.T) {
	tp := newTestPipeline(1)
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)

	c.Start(ctx, StartRequest{PatientID: "p-1"})
	c.UpdateContext(ctx, ContextUpdate{PatientID: "p-2"})
	if _, ok := rec.find(EventContextUpdated); !ok {
		t.Fatalf("events = %v", rec.types())
	}

	sendChunks(c, 0)
	c.UpdateContext(ctx, ContextUpdate{PatientID: "p-3"})
	ev, ok := rec.find(EventError)
	if !ok || ev.Code != utils.CodeContextLocked {
		t.Fatalf("events = %+v", rec.events)
	}
	if p, _ := c.session.Context(); p != "p-2" {
		t.Errorf("patient = %s", p)
	}
}

func TestDisconnectKeepsSessionForResume(t *testing.T) {
	tp := newTestPipeline(1)
	ctx := context.Background()
	c1 := tp.Connect("nurse-1", &recorder{})
	c1.Start(ctx, StartRequest{})
	sendChunks(c1, 0, 1)
	tp.settle(c1)
	id := c1.SessionID()

	c1.Disconnect(ctx)
	s, ok := tp.Registry().Get(id)
	if !ok || s.Status() != StatusIdle {
		t.Fatalf("session should be idle, ok=%v", ok)
	}

	rec := &recorder{}
	c2 := tp.Connect("nurse-1", rec)
	c2.Start(ctx, StartRequest{ResumeSessionID: id})
	ev, ok := rec.find(EventStarted)
	if !ok || !ev.Resumed || ev.SessionID != id {
		t.Fatalf("resume events = %+v", rec.events)
	}

	sendChunks(c2, 2)
	c2.Stop(ctx)
	tp.Wait()
	if final, _ := rec.find(EventFinalTranscript); final.Text != "w0 w1 w2" {
		t.Errorf("final transcript = %q", final.Text)
	}
}

func TestIdleTimeoutNotifiesConnection(t *testing.T) {
	clock := newFakeClock()
	tp := newTestPipeline(1, WithClock(clock.Now))
	ctx := context.Background()
	rec := &recorder{}
	c := tp.Connect("nurse-1", rec)
	c.Start(ctx, StartRequest{})

	clock.Advance(61 * time.Second)
	tp.Registry().CleanupIdleSessions(ctx)

	if _, ok := rec.find(EventTimeout); !ok {
		t.Fatalf("events = %v", rec.types())
	}
	if c.State() != ConnClosed || tp.Registry().LiveCount() != 0 {
		t.Errorf("state=%s live=%d", c.State(), tp.Registry().LiveCount())
	}
}

func TestPromotedSessionReleasedWhenConnectionGone(t *testing.T) {
	tp := newTestPipeline(1)
	ctx := context.Background()
	a := tp.Connect("a", &recorder{})
	a.Start(ctx, StartRequest{})

	// a queued entry whose connection never registered
	tp.Registry().CreateSession(ctx, SessionParams{ConnectionID: "ghost"})
	a.Cancel(ctx)

	if n := tp.Registry().LiveCount(); n != 0 {
		t.Fatalf("orphaned promotion should be released, live=%d", n)
	}
}

func TestIsValidTransition(t *testing.T) {
	valid := [][2]ConnState{
		{ConnIdle, ConnActive}, {ConnActive, ConnPaused}, {ConnPaused, ConnActive},
		{ConnActive, ConnCompleting}, {ConnPaused, ConnCompleting}, {ConnCompleting, ConnClosed},
	}
	for _, v := range valid {
		if !isValidTransition(v[0], v[1]) {
			t.Errorf("%s -> %s should be valid", v[0], v[1])
		}
	}
	invalid := [][2]ConnState{
		{ConnIdle, ConnCompleting}, {ConnCompleting, ConnActive}, {ConnClosed, ConnActive}, {ConnIdle, ConnPaused},
	}
	for _, v := range invalid {
		if isValidTransition(v[0], v[1]) {
			t.Errorf("%s -> %s should be invalid", v[0], v[1])
		}
	}
}
