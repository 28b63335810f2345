package offset_test

import (
	"testing"
	"time"

	"github.com/silverback-go/silverback/internal/wiretest"
	"github.com/silverback-go/silverback/pkg/offset"
)

type TrackerSuite struct {
	wiretest.Suite
}

func TestTrackerSuite(t *testing.T) {
	wiretest.Run(t, &TrackerSuite{})
}

func (s *TrackerSuite) TestCommitsEveryN() {
	tracker := offset.NewTracker(offset.CommitPolicy{EveryN: 3})

	s.False(tracker.Record(0, 1))
	s.False(tracker.Record(0, 2))
	s.True(tracker.Record(0, 3))
}

func (s *TrackerSuite) TestMarkCommittedResetsCounter() {
	tracker := offset.NewTracker(offset.CommitPolicy{EveryN: 2})

	s.False(tracker.Record(0, 1))
	s.True(tracker.Record(0, 2))
	tracker.MarkCommitted(0)

	s.False(tracker.Record(0, 3))
	s.True(tracker.Record(0, 4))
}

func (s *TrackerSuite) TestCommitsOnIntervalElapsed() {
	tracker := offset.NewTracker(offset.CommitPolicy{Interval: time.Millisecond})

	s.False(tracker.Record(0, 1))
	time.Sleep(5 * time.Millisecond)
	s.True(tracker.Record(0, 2))
}

func (s *TrackerSuite) TestPartitionsAreIndependent() {
	tracker := offset.NewTracker(offset.CommitPolicy{EveryN: 2})

	s.False(tracker.Record(0, 10))
	s.False(tracker.Record(1, 20))
	s.True(tracker.Record(0, 11))
	s.False(tracker.Record(1, 21))
}

func (s *TrackerSuite) TestOffsetAndSnapshot() {
	tracker := offset.NewTracker(offset.DefaultCommitPolicy())
	tracker.Record(0, 5)
	tracker.Record(1, 9)

	off, ok := tracker.Offset(0)
	s.True(ok)
	s.Equal(int64(5), off)

	_, ok = tracker.Offset(2)
	s.False(ok)

	snap := tracker.Snapshot()
	s.Equal(map[int32]int64{0: 5, 1: 9}, snap)
}

func (s *TrackerSuite) TestForgetDropsPartitionWithoutCommitting() {
	tracker := offset.NewTracker(offset.CommitPolicy{EveryN: 1})
	s.True(tracker.Record(0, 5))
	tracker.Forget(0)

	_, ok := tracker.Offset(0)
	s.False(ok, "a forgotten partition must not report a stale committed offset")

	// Bookkeeping starts fresh: the next message on this partition behaves
	// like the first one the tracker has ever seen.
	s.True(tracker.Record(0, 100))
}

func (s *TrackerSuite) TestDefaultCommitPolicy() {
	p := offset.DefaultCommitPolicy()
	s.Equal(100, p.EveryN)
	s.Equal(5*time.Second, p.Interval)
}
