package stream

import (
	"context"
	"math/rand"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/yoockh/livescribe/internal/utils"
)

func addChunks(s *Session, seqs ...int64) {
	for _, seq := range seqs {
		s.AddChunk(seq, payloadFor(seq), time.Now())
	}
}

func TestOnChunkWaitsForMinBatchSize(t *testing.T) {
	engine := newFakeEngine()
	p := newTestProcessor(engine)
	s := newTestRegistry(1).CreateSession(context.Background(), SessionParams{}).Session

	addChunks(s, 0, 1)
	res, err := p.OnChunk(context.Background(), s)
	if res != nil || err != nil || engine.calls.Load() != 0 {
		t.Fatalf("pass ran below threshold: res=%v err=%v calls=%d", res, err, engine.calls.Load())
	}

	addChunks(s, 2)
	res, err = p.OnChunk(context.Background(), s)
	if err != nil || res == nil {
		t.Fatalf("OnChunk: res=%v err=%v", res, err)
	}
	if res.Text != "w0 w1 w2" || !reflect.DeepEqual(res.Sequences, []int64{0, 1, 2}) {
		t.Errorf("result = %+v", res)
	}
	if res.Uncertain {
		t.Error("0.95 confidence should not be uncertain")
	}
	if s.batchState() != batchIdle {
		t.Errorf("batch state = %s", s.batchState())
	}
}

func TestOnChunkFlagsUncertainSegments(t *testing.T) {
	engine := newFakeEngine()
	engine.confidence = 0.4
	p := newTestProcessor(engine)
	s := newTestRegistry(1).CreateSession(context.Background(), SessionParams{}).Session
	addChunks(s, 0, 1, 2)

	res, err := p.OnChunk(context.Background(), s)
	if err != nil {
		t.Fatalf("OnChunk: %v", err)
	}
	if !res.Uncertain || len(res.Segments) != 1 || !res.Segments[0].Uncertain {
		t.Errorf("expected uncertain result, got %+v", res)
	}
}

func TestOnChunkMutualExclusionAndFollowUp(t *testing.T) {
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	p := newTestProcessor(engine)

	var mu sync.Mutex
	var async []*BatchResult
	p.OnAsyncResult(func(s *Session, res *BatchResult, err error) {
		mu.Lock()
		async = append(async, res)
		mu.Unlock()
	})

	s := newTestRegistry(1).CreateSession(context.Background(), SessionParams{}).Session
	addChunks(s, 0, 1, 2)

	done := make(chan *BatchResult, 1)
	go func() {
		res, _ := p.OnChunk(context.Background(), s)
		done <- res
	}()
	if !engine.waitStarted(time.Second) {
		t.Fatal("first pass did not start")
	}

	// chunks arriving while the pass is in flight only mark it pending
	addChunks(s, 3, 4, 5)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := p.OnChunk(context.Background(), s); res != nil || err != nil {
				t.Errorf("concurrent OnChunk ran a pass: %v %v", res, err)
			}
		}()
	}
	wg.Wait()
	if s.batchState() != batchInFlightWithPending {
		t.Fatalf("batch state = %s, want pending", s.batchState())
	}

	engine.gate <- struct{}{} // first pass
	first := <-done
	if first == nil || !reflect.DeepEqual(first.Sequences, []int64{0, 1, 2}) {
		t.Fatalf("first pass = %+v", first)
	}

	engine.gate <- struct{}{} // follow-up pass
	s.queue.Wait()

	if got := engine.maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent engine calls = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(async) != 1 || !reflect.DeepEqual(async[0].Sequences, []int64{3, 4, 5}) {
		t.Fatalf("follow-up results = %+v", async)
	}
	if got := s.Transcript(); got != "w0 w1 w2 w3 w4 w5" {
		t.Errorf("transcript = %q", got)
	}
}

func TestOnChunkFailureReleasesLock(t *testing.T) {
	engine := newFakeEngine()
	engine.fail.Store(true)
	p := newTestProcessor(engine)
	s := newTestRegistry(1).CreateSession(context.Background(), SessionParams{}).Session
	addChunks(s, 0, 1, 2)

	_, err := p.OnChunk(context.Background(), s)
	if !utils.IsCode(err, utils.CodeTranscriptionFailed) {
		t.Fatalf("expected TRANSCRIPTION_FAILED, got %v", err)
	}
	if s.batchState() != batchIdle {
		t.Fatalf("lock not released after failure: %s", s.batchState())
	}
	if n := len(s.buffer.AllUnprocessed()); n != 3 {
		t.Fatalf("failed chunks must stay unprocessed, got %d", n)
	}

	engine.fail.Store(false)
	res, err := p.OnChunk(context.Background(), s)
	if err != nil || res == nil || res.Text != "w0 w1 w2" {
		t.Fatalf("retry after failure: res=%+v err=%v", res, err)
	}
}

func TestProcessFinalChunksDrainsGaps(t *testing.T) {
	engine := newFakeEngine()
	p := newTestProcessor(engine)
	s := newTestRegistry(1).CreateSession(context.Background(), SessionParams{}).Session
	addChunks(s, 0, 1, 2, 5, 7)

	if _, err := p.OnChunk(context.Background(), s); err != nil {
		t.Fatalf("OnChunk: %v", err)
	}
	res, err := p.ProcessFinalChunks(context.Background(), s)
	if err != nil {
		t.Fatalf("ProcessFinalChunks: %v", err)
	}
	if !res.Final || !reflect.DeepEqual(res.Sequences, []int64{5, 7}) {
		t.Errorf("final result = %+v", res)
	}
	if n := len(s.buffer.AllUnprocessed()); n != 0 {
		t.Errorf("%d chunks left after finalization", n)
	}
	if got := s.Transcript(); got != "w0 w1 w2 w5 w7" {
		t.Errorf("transcript = %q", got)
	}

	again, err := p.ProcessFinalChunks(context.Background(), s)
	if again != nil || err != nil {
		t.Errorf("second finalization should be empty: %v %v", again, err)
	}
}

func TestProcessFinalChunksWaitsForInFlightPass(t *testing.T) {
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	p := newTestProcessor(engine)
	s := newTestRegistry(1).CreateSession(context.Background(), SessionParams{}).Session
	addChunks(s, 0, 1, 2)

	go p.OnChunk(context.Background(), s)
	if !engine.waitStarted(time.Second) {
		t.Fatal("pass did not start")
	}
	addChunks(s, 3)

	final := make(chan *BatchResult, 1)
	go func() {
		res, _ := p.ProcessFinalChunks(context.Background(), s)
		final <- res
	}()

	select {
	case <-final:
		t.Fatal("finalization ran while a pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	engine.gate <- struct{}{}
	engine.gate <- struct{}{}
	res := <-final
	if res == nil || !reflect.DeepEqual(res.Sequences, []int64{3}) {
		t.Fatalf("final = %+v", res)
	}
	if engine.maxInFlight.Load() != 1 {
		t.Errorf("max in flight = %d", engine.maxInFlight.Load())
	}
}

func TestResultDiscardedAfterClose(t *testing.T) {
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	p := newTestProcessor(engine)
	r := newTestRegistry(1)
	s := r.CreateSession(context.Background(), SessionParams{}).Session
	addChunks(s, 0, 1, 2)

	done := make(chan *BatchResult, 1)
	go func() {
		res, _ := p.OnChunk(context.Background(), s)
		done <- res
	}()
	if !engine.waitStarted(time.Second) {
		t.Fatal("pass did not start")
	}
	r.CloseSession(context.Background(), s.ID, StatusCancelled)
	engine.gate <- struct{}{}

	if res := <-done; res != nil {
		t.Fatalf("result for cancelled session should be discarded, got %+v", res)
	}
	if s.Transcript() != "" {
		t.Error("discarded result must not be applied")
	}
}

func TestTranscriptOrderIndependentOfArrival(t *testing.T) {
	const n = 12
	ordered := ""
	for i := int64(0); i < n; i++ {
		if i > 0 {
			ordered += " "
		}
		ordered += "w" + strconv.FormatInt(i, 10)
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		engine := newFakeEngine()
		p := newTestProcessor(engine)
		s := newTestRegistry(1).CreateSession(context.Background(), SessionParams{}).Session

		for _, i := range rng.Perm(n) {
			addChunks(s, int64(i))
			if _, err := p.OnChunk(context.Background(), s); err != nil {
				t.Fatalf("OnChunk: %v", err)
			}
		}
		if _, err := p.ProcessFinalChunks(context.Background(), s); err != nil {
			t.Fatalf("ProcessFinalChunks: %v", err)
		}
		s.queue.Wait()
		if got := s.Transcript(); got != ordered {
			t.Errorf("trial %d: transcript = %q, want %q", trial, got, ordered)
		}
	}
}

func TestOnChunkSkipsPausedSession(t *testing.T) {
	engine := newFakeEngine()
	p := newTestProcessor(engine)
	r := newTestRegistry(1)
	s := r.CreateSession(context.Background(), SessionParams{}).Session
	addChunks(s, 0, 1, 2)

	if err := r.SetStatus(s.ID, StatusPaused); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	// a follow-up already queued when the pause lands
	var (
		res *BatchResult
		err error
	)
	s.queue.Submit(func() { res, err = p.OnChunk(context.Background(), s) })
	s.queue.Wait()
	if res != nil || err != nil {
		t.Fatalf("paused session ran a pass: res=%v err=%v", res, err)
	}
	p.scheduleFollowUp(context.Background(), s)
	s.queue.Wait()
	if n := engine.calls.Load(); n != 0 {
		t.Fatalf("engine called while paused: %d", n)
	}

	if err := r.SetStatus(s.ID, StatusActive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	res, err = p.OnChunk(context.Background(), s)
	if err != nil || res == nil || res.Text != "w0 w1 w2" {
		t.Fatalf("after resume: res=%+v err=%v", res, err)
	}
	if n := engine.calls.Load(); n != 1 {
		t.Errorf("engine calls = %d, want 1", n)
	}
}
