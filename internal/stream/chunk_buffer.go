package stream

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Chunk is one audio fragment of a session, identified by its sequence number.
type Chunk struct {
	Seq         int64
	Payload     []byte
	ReceivedAt  time.Time
	Processed   bool
	ProcessedAt time.Time
	Text        string
	Confidence  float64
}

// AddResult describes how a chunk was absorbed by the buffer.
type AddResult struct {
	First      bool // first chunk ever accepted
	Duplicate  bool // replaced an existing entry
	OutOfOrder bool
}

// maxListedGaps bounds GapReport.Missing; MissingCount carries the total.
const maxListedGaps = 64

// GapReport describes sequence numbers missing between the lowest and highest
// received. Missing lists at most maxListedGaps of them, lowest first.
type GapReport struct {
	HasGaps      bool    `json:"hasGaps"`
	Missing      []int64 `json:"missing,omitempty"`
	MissingCount int64   `json:"missingCount,omitempty"`
}

// BufferStats are counters kept by a ChunkBuffer.
type BufferStats struct {
	Received    int `json:"received"`
	Buffered    int `json:"buffered"`
	Processed   int `json:"processed"`
	Duplicates  int `json:"duplicates"`
	OutOfOrder  int `json:"outOfOrder"`
	PrunedBytes int `json:"prunedBytes"`
}

// ChunkBuffer keeps a session's chunks sorted by sequence number.
// Safe for concurrent use.
type ChunkBuffer struct {
	mu      sync.Mutex
	chunks  []*Chunk
	next    int64
	started bool
	stats   BufferStats
}

func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{}
}

// search returns the index of seq, or where it would be inserted.
func (b *ChunkBuffer) search(seq int64) (int, bool) {
	i := sort.Search(len(b.chunks), func(i int) bool { return b.chunks[i].Seq >= seq })
	return i, i < len(b.chunks) && b.chunks[i].Seq == seq
}

// Add inserts a chunk in sequence order. A chunk whose sequence number already
// exists replaces the stored payload; its processed state is kept so the
// audio is never transcribed twice.
func (b *ChunkBuffer) Add(seq int64, payload []byte, at time.Time) AddResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res AddResult
	b.stats.Received++

	i, found := b.search(seq)
	if found {
		c := b.chunks[i]
		c.Payload = payload
		c.ReceivedAt = at
		res.Duplicate = true
		b.stats.Duplicates++
		return res
	}

	if !b.started {
		b.started = true
		res.First = true
	} else if seq != b.next {
		res.OutOfOrder = true
		b.stats.OutOfOrder++
	}
	if seq >= b.next || res.First {
		b.next = seq + 1
	}

	b.chunks = append(b.chunks, nil)
	copy(b.chunks[i+1:], b.chunks[i:])
	b.chunks[i] = &Chunk{Seq: seq, Payload: payload, ReceivedAt: at}
	return res
}

func (b *ChunkBuffer) firstUnprocessed() int {
	for i, c := range b.chunks {
		if !c.Processed {
			return i
		}
	}
	return len(b.chunks)
}

// Ready returns the longest contiguous run of unprocessed chunks starting at the
// lowest unprocessed sequence number, capped at limit (limit <= 0 means no cap).
func (b *ChunkBuffer) Ready(limit int) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.firstUnprocessed()
	var out []Chunk
	for i := start; i < len(b.chunks); i++ {
		c := b.chunks[i]
		if c.Processed {
			break
		}
		if i > start && c.Seq != b.chunks[i-1].Seq+1 {
			break
		}
		out = append(out, *c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// AllUnprocessed returns every unprocessed chunk in sequence order, gaps included.
func (b *ChunkBuffer) AllUnprocessed() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Chunk
	for _, c := range b.chunks {
		if !c.Processed {
			out = append(out, *c)
		}
	}
	return out
}

// UnprocessedCount is len(AllUnprocessed()) without copying.
func (b *ChunkBuffer) UnprocessedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.chunks {
		if !c.Processed {
			n++
		}
	}
	return n
}

// MarkProcessed flags the given chunks as processed and spreads text over them
// by word position: with n words and k chunks, the i-th chunk gets words
// [i*n/k, (i+1)*n/k). Unknown sequence numbers are ignored. Returns the number
// of chunks marked.
func (b *ChunkBuffer) MarkProcessed(seqs []int64, text string, confidence float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sorted := append([]int64(nil), seqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var targets []*Chunk
	for idx, seq := range sorted {
		if idx > 0 && seq == sorted[idx-1] {
			continue
		}
		if i, ok := b.search(seq); ok && !b.chunks[i].Processed {
			targets = append(targets, b.chunks[i])
		}
	}
	if len(targets) == 0 {
		return 0
	}

	words := strings.Fields(text)
	n, k := len(words), len(targets)
	now := time.Now()
	for i, c := range targets {
		c.Processed = true
		c.ProcessedAt = now
		c.Confidence = confidence
		c.Text = strings.Join(words[i*n/k:(i+1)*n/k], " ")
	}
	b.stats.Processed += k
	return k
}

// Gaps reports missing sequence numbers between the lowest and highest received.
func (b *ChunkBuffer) Gaps() GapReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rep GapReport
	for i := 1; i < len(b.chunks); i++ {
		lo, hi := b.chunks[i-1].Seq+1, b.chunks[i].Seq
		if lo >= hi {
			continue
		}
		rep.MissingCount += hi - lo
		for s := lo; s < hi && len(rep.Missing) < maxListedGaps; s++ {
			rep.Missing = append(rep.Missing, s)
		}
	}
	rep.HasGaps = rep.MissingCount > 0
	return rep
}

// MaxSeq returns the highest sequence number received.
func (b *ChunkBuffer) MaxSeq() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return 0, false
	}
	return b.chunks[len(b.chunks)-1].Seq, true
}

// Transcript concatenates the text of processed chunks in sequence order.
func (b *ChunkBuffer) Transcript() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts := make([]string, 0, len(b.chunks))
	for _, c := range b.chunks {
		if c.Processed && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Payloads returns the retained payloads of all chunks in sequence order.
func (b *ChunkBuffer) Payloads() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, 0, len(b.chunks))
	for _, c := range b.chunks {
		if len(c.Payload) > 0 {
			out = append(out, c.Payload)
		}
	}
	return out
}

// Prune releases the payload of processed chunks processed before cutoff.
// The entry itself stays so ordering and the transcript are unaffected.
func (b *ChunkBuffer) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	freed := 0
	for _, c := range b.chunks {
		if c.Processed && c.Payload != nil && c.ProcessedAt.Before(cutoff) {
			freed += len(c.Payload)
			c.Payload = nil
		}
	}
	b.stats.PrunedBytes += freed
	return freed
}

func (b *ChunkBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Buffered = len(b.chunks)
	return s
}
