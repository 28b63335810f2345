package sequence_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/silverback-go/silverback/internal/wiretest"
	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/sequence"
)

type StoreSuite struct {
	wiretest.Suite
}

func TestStoreSuite(t *testing.T) {
	wiretest.Run(t, &StoreSuite{})
}

func chunk(messageID string, index, count int, payload string) *envelope.InboundEnvelope {
	h := envelope.NewHeaders()
	h.Set(envelope.HeaderMessageID, messageID)
	h.Set(envelope.HeaderChunkIndex, strconv.Itoa(index))
	h.Set(envelope.HeaderChunksCount, strconv.Itoa(count))
	return &envelope.InboundEnvelope{Headers: h, Payload: []byte(payload)}
}

func (s *StoreSuite) TestReassemblesInOrder() {
	store := sequence.NewStore(time.Minute)

	_, complete, err := store.Add(chunk("m1", 0, 2, "Hello, "))
	s.NoError(err)
	s.False(complete)

	assembled, complete, err := store.Add(chunk("m1", 1, 2, "world!"))
	s.NoError(err)
	s.True(complete)
	s.Equal("Hello, world!", string(assembled))
	s.Equal(0, store.Pending())
}

func (s *StoreSuite) TestDuplicateChunkIsDropped() {
	store := sequence.NewStore(time.Minute)

	_, _, err := store.Add(chunk("m1", 0, 2, "a"))
	s.NoError(err)

	_, complete, err := store.Add(chunk("m1", 0, 2, "a"))
	s.ErrorIs(err, sequence.ErrDuplicateChunk)
	s.False(complete)
}

func (s *StoreSuite) TestMissingFirstChunkIsRejected() {
	store := sequence.NewStore(time.Minute)

	_, complete, err := store.Add(chunk("m1", 1, 2, "b"))
	s.ErrorIs(err, sequence.ErrMissingFirstChunk)
	s.False(complete)
	s.Equal(0, store.Pending(), "a chunk set must not be created from a non-zero first index")
}

func (s *StoreSuite) TestInconsistentChunksCountAborts() {
	store := sequence.NewStore(time.Minute)

	_, _, err := store.Add(chunk("m1", 0, 2, "a"))
	s.NoError(err)

	_, complete, err := store.Add(chunk("m1", 1, 3, "b"))
	s.Error(err)
	s.False(complete)

	// The sequence is now aborted; any further chunk for it fails too.
	_, _, err = store.Add(chunk("m1", 2, 2, "c"))
	s.Error(err)
}

func (s *StoreSuite) TestIndependentMessagesDoNotInterfere() {
	store := sequence.NewStore(time.Minute)

	_, complete1, err := store.Add(chunk("m1", 0, 2, "A1"))
	s.NoError(err)
	s.False(complete1)

	_, complete2, err := store.Add(chunk("m2", 0, 1, "B"))
	s.NoError(err)
	s.True(complete2)

	assembled1, complete1, err := store.Add(chunk("m1", 1, 2, "A2"))
	s.NoError(err)
	s.True(complete1)
	s.Equal("A1A2", string(assembled1))
}

func lastChunkOnly(messageID string, index int, last bool, payload string) *envelope.InboundEnvelope {
	h := envelope.NewHeaders()
	h.Set(envelope.HeaderMessageID, messageID)
	h.Set(envelope.HeaderChunkIndex, strconv.Itoa(index))
	if last {
		h.Set(envelope.HeaderLastChunk, "true")
	}
	return &envelope.InboundEnvelope{Headers: h, Payload: []byte(payload)}
}

func (s *StoreSuite) TestCompletesOnLastChunkFlagWithoutCountHeader() {
	store := sequence.NewStore(time.Minute)

	_, complete, err := store.Add(lastChunkOnly("m1", 0, false, "a"))
	s.NoError(err)
	s.False(complete)

	_, complete, err = store.Add(lastChunkOnly("m1", 1, false, "b"))
	s.NoError(err)
	s.False(complete)

	assembled, complete, err := store.Add(lastChunkOnly("m1", 2, true, "c"))
	s.NoError(err)
	s.True(complete)
	s.Equal("abc", string(assembled))
}

func (s *StoreSuite) TestLastChunkInconsistentWithCountAborts() {
	store := sequence.NewStore(time.Minute)

	_, _, err := store.Add(chunk("m1", 0, 3, "a"))
	s.NoError(err)

	// x-last-chunk on index 1 but the declared count says index 2 is last:
	// a protocol violation per the spec's open-question resolution.
	env := chunk("m1", 1, 3, "b")
	env.Headers.Set(envelope.HeaderLastChunk, "true")
	_, complete, err := store.Add(env)
	s.Error(err)
	s.False(complete)

	_, _, err = store.Add(chunk("m1", 2, 3, "c"))
	s.ErrorIs(err, sequence.ErrAborted)
}

func (s *StoreSuite) TestAbortPartitionDropsOnlyThatPartitionsSequences() {
	store := sequence.NewStore(time.Minute)

	m1 := chunk("m1", 0, 2, "a")
	m1.Partition = 0
	_, _, err := store.Add(m1)
	s.NoError(err)

	m2 := chunk("m2", 0, 2, "b")
	m2.Partition = 1
	_, _, err = store.Add(m2)
	s.NoError(err)

	store.AbortPartition(0)
	s.Equal(1, store.Pending(), "only partition 0's sequence should have been dropped")

	// m1's continuation now looks like a fresh, missing-first-chunk arrival.
	_, _, err = store.Add(chunk("m1", 1, 2, "a2"))
	s.ErrorIs(err, sequence.ErrMissingFirstChunk)

	// m2 (partition 1) is untouched and still completes normally.
	assembled, complete, err := store.Add(chunk("m2", 1, 2, "b2"))
	s.NoError(err)
	s.True(complete)
	s.Equal("bb2", string(assembled))
}

func (s *StoreSuite) TestTimeoutEvictsStaleSequence() {
	store := sequence.NewStore(time.Millisecond)

	_, complete, err := store.Add(chunk("m1", 0, 2, "a"))
	s.NoError(err)
	s.False(complete)

	time.Sleep(5 * time.Millisecond)

	// Past the timeout the store has forgotten m1 entirely, so a stray
	// continuation chunk looks like a fresh, missing-first-chunk arrival.
	_, complete, err = store.Add(chunk("m1", 1, 2, "b"))
	s.Error(err)
	s.False(complete)
}

type BatchStoreSuite struct {
	wiretest.Suite
}

func TestBatchStoreSuite(t *testing.T) {
	wiretest.Run(t, &BatchStoreSuite{})
}

func item(id string) sequence.Item {
	h := envelope.NewHeaders()
	h.Set(envelope.HeaderMessageID, id)
	return sequence.Item{Envelope: &envelope.InboundEnvelope{Headers: h}, Payload: id}
}

func (s *BatchStoreSuite) TestCompletesOnceSizeReached() {
	store := sequence.NewBatchStore(3, 0)

	_, complete := store.Add(0, item("a"))
	s.False(complete)
	_, complete = store.Add(0, item("b"))
	s.False(complete)
	batch, complete := store.Add(0, item("c"))
	s.True(complete)
	s.Len(batch.Items(), 3)
	s.Equal("a", batch.Items()[0].Payload)
	s.Equal("c", batch.Items()[2].Payload)
}

func (s *BatchStoreSuite) TestPartitionsBatchIndependently() {
	store := sequence.NewBatchStore(2, 0)

	_, complete := store.Add(0, item("a0"))
	s.False(complete)
	_, complete = store.Add(1, item("a1"))
	s.False(complete)

	batch0, complete := store.Add(0, item("b0"))
	s.True(complete)
	s.Len(batch0.Items(), 2)

	// Partition 1's batch is still open: it only has one item.
	batch1, complete := store.Add(1, item("b1"))
	s.True(complete)
	s.Len(batch1.Items(), 2)
}

func (s *BatchStoreSuite) TestFlushExpiredForceCompletesPastTimeout() {
	store := sequence.NewBatchStore(10, time.Millisecond)

	_, complete := store.Add(0, item("a"))
	s.False(complete)

	flushed := store.FlushExpired(time.Now())
	s.Empty(flushed, "nothing should flush before the timeout elapses")

	time.Sleep(5 * time.Millisecond)
	flushed = store.FlushExpired(time.Now())
	s.Len(flushed, 1)
	s.Len(flushed[0].Items(), 1)

	// The batch was cleared by the flush, so a second flush finds nothing.
	flushed = store.FlushExpired(time.Now())
	s.Empty(flushed)
}

func (s *BatchStoreSuite) TestFlushDisabledWithoutTimeout() {
	store := sequence.NewBatchStore(10, 0)

	_, complete := store.Add(0, item("a"))
	s.False(complete)

	time.Sleep(time.Millisecond)
	flushed := store.FlushExpired(time.Now())
	s.Empty(flushed, "zero timeout disables timeout-based flush entirely")
}

func (s *BatchStoreSuite) TestAbortPartitionDropsOpenBatch() {
	store := sequence.NewBatchStore(10, time.Millisecond)

	_, complete := store.Add(0, item("a"))
	s.False(complete)

	store.AbortPartition(0)

	time.Sleep(5 * time.Millisecond)
	flushed := store.FlushExpired(time.Now())
	s.Empty(flushed, "an aborted partition's pending items must never surface")

	// A fresh item on the same partition starts a clean batch.
	_, complete = store.Add(0, item("b"))
	s.False(complete)
}

type StreamStoreSuite struct {
	wiretest.Suite
}

func TestStreamStoreSuite(t *testing.T) {
	wiretest.Run(t, &StreamStoreSuite{})
}

func (s *StreamStoreSuite) TestOpenReportsOnlyFirstCallAsOpener() {
	store := sequence.NewStreamStore(4)

	_, opened := store.Open(0)
	s.True(opened)

	_, opened = store.Open(0)
	s.False(opened, "a second Open for the same partition must reuse the existing stream")
}

func (s *StreamStoreSuite) TestAppendDeliversInOrder() {
	store := sequence.NewStreamStore(4)
	stream, _ := store.Open(0)

	stream.Append(item("a"))
	stream.Append(item("b"))
	stream.Close()

	var got []string
	stream.Range(func(it sequence.Item) bool {
		got = append(got, it.Payload.(string))
		return true
	})
	s.Equal([]string{"a", "b"}, got)
}

func (s *StreamStoreSuite) TestRangeStopsWhenHandlerReturnsFalse() {
	store := sequence.NewStreamStore(4)
	stream, _ := store.Open(0)

	stream.Append(item("a"))
	stream.Append(item("b"))
	stream.Close()

	var got []string
	stream.Range(func(it sequence.Item) bool {
		got = append(got, it.Payload.(string))
		return false
	})
	s.Equal([]string{"a"}, got)
}

func (s *StreamStoreSuite) TestAbortPartitionClosesStreamAndForgetsIt() {
	store := sequence.NewStreamStore(4)
	stream, _ := store.Open(0)
	stream.Append(item("a"))

	store.AbortPartition(0)

	var got []string
	stream.Range(func(it sequence.Item) bool {
		got = append(got, it.Payload.(string))
		return true
	})
	s.Equal([]string{"a"}, got, "buffered items drain, but Range must return instead of blocking forever")

	_, opened := store.Open(0)
	s.True(opened, "the old stream must be forgotten so a fresh assignment opens a new one")
}
