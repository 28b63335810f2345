// Package sequence implements all three sequence kinds the consumer
// pipeline forms from raw envelopes: chunk sequences (Store, below),
// batch sequences (Batcher/BatchStore) and unbounded streams
// (Stream/StreamStore). A chunk sequence reassembles a producer's split
// payload from x-message-id/x-chunk-index/x-chunks-count/x-last-chunk
// headers; a batch sequence accumulates a fixed number of already-complete
// envelopes (or flushes early on a timeout) for one subscriber invocation;
// a stream delivers envelopes one at a time to a subscriber that runs for
// the lifetime of a partition's assignment.
package sequence

import (
	"strconv"
	"sync"
	"time"

	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errors"
)

// ErrDuplicateChunk is returned when a chunk index has already been seen
// for a message ID. Callers should treat this as a silent drop, not a
// pipeline failure: the envelope carrying it is discarded and its offset
// still advances normally.
var ErrDuplicateChunk = errors.New(errors.CodeAlreadyExists, "duplicate chunk index", nil)

// ErrMissingFirstChunk is returned when a chunk other than index 0 arrives
// for a message ID this store has never seen, which the store can't recover
// from: there's no way to know the stream's first-chunk offset. Like
// ErrDuplicateChunk, this is a silent drop: the offset still advances.
var ErrMissingFirstChunk = errors.New(errors.CodeInvalidArgument, "first chunk missing for message", nil)

// ErrAborted is returned for every further chunk of a chunk set the store
// gave up on after a protocol violation (inconsistent chunks-count/last-chunk
// headers); the violating chunk itself gets a CodeInvalidArgument error.
// Timed-out sets are evicted instead, so their later chunks get
// ErrMissingFirstChunk. An aborted sequence's offsets must never be
// committed.
var ErrAborted = errors.New(errors.CodeSequenceAborted, "chunk sequence aborted", nil)

type entry struct {
	// total is the declared chunk count, or -1 when the producer only ever
	// sent x-last-chunk and never stamped x-chunks-count on any fragment.
	total     int
	partition int32
	chunks    map[int][]byte
	lastChunk int // index of the fragment carrying x-last-chunk=true, or -1
	lastSeen  time.Time
	aborted   bool
}

// Store buffers in-flight chunk sets keyed by message ID.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// NewStore creates a chunk store. Entries that have not received a new
// fragment within timeout are evicted and treated as aborted; the timer is
// rearmed on every incoming chunk for that entry.
func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Store{entries: make(map[string]*entry), timeout: timeout}
}

// Add feeds one chunk into the store. It returns the assembled payload and
// true once the sequence is complete; otherwise it returns nil, false while
// more chunks are still expected. Completion is signaled either by
// x-chunks-count fragments all being present or by the arrival of the
// fragment carrying x-last-chunk=true, whichever happens — the two must
// agree where both are present, or the sequence is aborted as a protocol
// violation.
func (s *Store) Add(env *envelope.InboundEnvelope) ([]byte, bool, error) {
	messageID := env.Headers.Get(envelope.HeaderMessageID)
	index, err := strconv.Atoi(env.Headers.Get(envelope.HeaderChunkIndex))
	if err != nil {
		return nil, false, errors.Wrap(err, "invalid chunk index header")
	}

	total := -1
	if countStr := env.Headers.Get(envelope.HeaderChunksCount); countStr != "" {
		total, err = strconv.Atoi(countStr)
		if err != nil {
			return nil, false, errors.Wrap(err, "invalid chunks count header")
		}
	}
	isLast := env.Headers.Get(envelope.HeaderLastChunk) == "true"

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	e, ok := s.entries[messageID]
	if !ok {
		if index != 0 {
			return nil, false, errors.Wrap(ErrMissingFirstChunk, messageID)
		}
		e = &entry{total: total, partition: env.Partition, chunks: make(map[int][]byte), lastChunk: -1, lastSeen: time.Now()}
		if isLast {
			e.lastChunk = index
		}
		s.entries[messageID] = e
	}

	if e.aborted {
		return nil, false, errors.Wrap(ErrAborted, messageID)
	}

	if total >= 0 {
		if e.total >= 0 && e.total != total {
			e.aborted = true
			return nil, false, errors.New(errors.CodeInvalidArgument, "inconsistent chunks count for message "+messageID, nil)
		}
		e.total = total
	}

	if isLast {
		if e.lastChunk >= 0 && e.lastChunk != index {
			e.aborted = true
			return nil, false, errors.New(errors.CodeInvalidArgument, "inconsistent last-chunk index for message "+messageID, nil)
		}
		if e.total >= 0 && index != e.total-1 {
			// Protocol violation per spec §9 Open Question (a): a
			// last-chunk flag that disagrees with the declared count.
			e.aborted = true
			return nil, false, errors.New(errors.CodeInvalidArgument, "last-chunk index inconsistent with chunks count for message "+messageID, nil)
		}
		e.lastChunk = index
	}

	if _, dup := e.chunks[index]; dup {
		return nil, false, errors.Wrap(ErrDuplicateChunk, messageID)
	}

	e.chunks[index] = env.Payload
	e.lastSeen = time.Now()

	complete := false
	if e.total >= 0 && len(e.chunks) >= e.total {
		complete = true
	}
	if e.lastChunk >= 0 {
		if _, ok := e.chunks[e.lastChunk]; ok {
			complete = true
		}
	}
	if !complete {
		return nil, false, nil
	}

	upper := e.total
	if upper < 0 {
		upper = e.lastChunk + 1
	}

	assembled := make([]byte, 0)
	for i := 0; i < upper; i++ {
		chunk, ok := e.chunks[i]
		if !ok {
			// A chunk between 0 and the terminal index is missing: the
			// stream is incomplete even though the terminal fragment
			// arrived. Keep waiting rather than assembling a gap.
			return nil, false, nil
		}
		assembled = append(assembled, chunk...)
	}

	delete(s.entries, messageID)
	return assembled, true, nil
}

// AbortPartition aborts every pending sequence belonging to partition
// without assembling or delivering them, used when a rebalance revokes that
// partition mid-sequence. Aborted entries are removed so a later fragment
// for the same message ID on a freshly (re)assigned partition starts clean.
func (s *Store) AbortPartition(partition int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.partition == partition {
			delete(s.entries, id)
		}
	}
}

// evictExpiredLocked removes chunk sets that haven't seen a new fragment
// within s.timeout. Must be called with s.mu held.
func (s *Store) evictExpiredLocked() {
	now := time.Now()
	for id, e := range s.entries {
		if now.Sub(e.lastSeen) > s.timeout {
			delete(s.entries, id)
		}
	}
}

// Pending returns the number of in-flight (incomplete) chunk sets.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Item is one reassembled envelope accumulated into a batch or stream
// sequence. Ack, when set, commits this item's own offset; batch/stream
// sequence stages set it to the envelope's pipeline-supplied acknowledge
// callback so a handler running outside the normal per-envelope return
// path (a timed-out batch flush, a long-lived stream subscriber) can still
// commit each item once it's actually been processed.
type Item struct {
	Envelope *envelope.InboundEnvelope
	Payload  interface{}
	Ack      func()
}

// Batch is a complete, fixed group of items delivered to a single
// subscriber invocation.
type Batch struct {
	items []Item
}

// Items returns the batch's items in arrival order.
func (b *Batch) Items() []Item { return b.items }

// Batcher accumulates items for one partition into batches of up to Size
// items, or until Timeout has elapsed since the first item in the
// currently open batch arrived, whichever comes first. The timeout side
// isn't self-driven: callers poll Flush on their own cadence.
type Batcher struct {
	mu      sync.Mutex
	size    int
	timeout time.Duration
	pending []Item
	opened  time.Time
}

// NewBatcher creates a Batcher. size below 1 is treated as 1 (effectively
// no batching); timeout <= 0 disables the timeout-based flush, so a batch
// only ever completes by reaching size.
func NewBatcher(size int, timeout time.Duration) *Batcher {
	if size < 1 {
		size = 1
	}
	return &Batcher{size: size, timeout: timeout}
}

// Add appends item to the open batch, returning a completed Batch once
// Size items have accumulated.
func (b *Batcher) Add(item Item) (*Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.opened = time.Now()
	}
	b.pending = append(b.pending, item)

	if len(b.pending) >= b.size {
		batch := &Batch{items: b.pending}
		b.pending = nil
		return batch, true
	}
	return nil, false
}

// Flush force-completes whatever is pending if the batch has been open at
// least Timeout as of now. Returns nil, false if there's nothing pending,
// the timeout is disabled, or it hasn't elapsed yet.
func (b *Batcher) Flush(now time.Time) (*Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 || b.timeout <= 0 || now.Sub(b.opened) < b.timeout {
		return nil, false
	}
	batch := &Batch{items: b.pending}
	b.pending = nil
	return batch, true
}

// BatchStore owns one Batcher per partition, so each partition's arrival
// order forms its own independent batches (spec §3: "arrival order within
// a partition").
type BatchStore struct {
	mu       sync.Mutex
	size     int
	timeout  time.Duration
	batchers map[int32]*Batcher
}

// NewBatchStore creates a BatchStore whose per-partition Batchers all share
// size and timeout.
func NewBatchStore(size int, timeout time.Duration) *BatchStore {
	return &BatchStore{size: size, timeout: timeout, batchers: make(map[int32]*Batcher)}
}

func (s *BatchStore) batcherFor(partition int32) *Batcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batchers[partition]
	if !ok {
		b = NewBatcher(s.size, s.timeout)
		s.batchers[partition] = b
	}
	return b
}

// Add appends item to partition's open batch.
func (s *BatchStore) Add(partition int32, item Item) (*Batch, bool) {
	return s.batcherFor(partition).Add(item)
}

// FlushExpired force-completes every partition's batch that has sat open
// past its timeout, keyed by partition. A caller on a periodic tick (the
// consume loop) uses this to complete batches that a timeout, not a new
// arrival, should close.
func (s *BatchStore) FlushExpired(now time.Time) map[int32]*Batch {
	s.mu.Lock()
	partitions := make([]int32, 0, len(s.batchers))
	for p := range s.batchers {
		partitions = append(partitions, p)
	}
	s.mu.Unlock()

	out := make(map[int32]*Batch)
	for _, p := range partitions {
		if batch, ok := s.batcherFor(p).Flush(now); ok {
			out[p] = batch
		}
	}
	return out
}

// AbortPartition drops a partition's open batch without delivering it,
// used when a rebalance revokes that partition mid-batch: per spec §4.8
// its offsets must never be committed.
func (s *BatchStore) AbortPartition(partition int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batchers, partition)
}

// Stream is an open-ended sequence scoped to one partition's assignment
// lifetime. Items Append into it as the consume loop decodes them off the
// channel; a single subscriber goroutine Ranges over it for as long as the
// partition stays assigned, receiving items as they arrive rather than
// waiting for the stream to end. Closing it (on consumer stop or a
// rebalance revoke) ends the Range loop without delivering a false
// completion.
type Stream struct {
	items     chan Item
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream creates a Stream with the given buffer depth (at least 1).
func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{items: make(chan Item, buffer), done: make(chan struct{})}
}

// Append feeds item into the stream, blocking if the buffer is full. It is
// a no-op once the stream has been closed.
func (s *Stream) Append(item Item) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.items <- item:
	case <-s.done:
	}
}

// Close ends the stream. A subscriber's in-flight Range call drains
// whatever was already buffered, then returns.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Range calls fn for each item as it arrives, in order, until the stream
// closes or fn returns false.
func (s *Stream) Range(fn func(Item) bool) {
	for {
		select {
		case item := <-s.items:
			if !fn(item) {
				return
			}
		case <-s.done:
			for {
				select {
				case item := <-s.items:
					if !fn(item) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// StreamStore owns one open Stream per partition for the lifetime of that
// partition's assignment.
type StreamStore struct {
	mu      sync.Mutex
	buffer  int
	streams map[int32]*Stream
}

// NewStreamStore creates a StreamStore whose Streams all share buffer
// depth.
func NewStreamStore(buffer int) *StreamStore {
	return &StreamStore{buffer: buffer, streams: make(map[int32]*Stream)}
}

// Open returns partition's stream, creating it on first use. opened
// reports whether this call created it, so the caller knows to start
// exactly one subscriber goroutine per partition assignment rather than
// one per item.
func (s *StreamStore) Open(partition int32) (stream *Stream, opened bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[partition]; ok {
		return st, false
	}
	st := NewStream(s.buffer)
	s.streams[partition] = st
	return st, true
}

// AbortPartition closes and forgets partition's stream, used on rebalance
// revoke: the subscriber's Range loop unblocks and returns without
// committing anything further for it.
func (s *StreamStore) AbortPartition(partition int32) {
	s.mu.Lock()
	st, ok := s.streams[partition]
	delete(s.streams, partition)
	s.mu.Unlock()
	if ok {
		st.Close()
	}
}
