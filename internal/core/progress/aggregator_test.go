package progress

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/clock"
	"github.com/xuecangming/multidrive/internal/core/logger"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]Update
}

func (r *recorder) consume(b []Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]Update(nil), b...))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newTestAggregator() (*Aggregator, *clock.Fake, *recorder) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	agg := New(Config{Clock: clk, Logger: logger.NewNop()})
	rec := &recorder{}
	agg.Subscribe(rec.consume)
	return agg, clk, rec
}

func TestAggregator_OneNotificationPerFlush(t *testing.T) {
	agg, clk, rec := newTestAggregator()

	for i := 0; i < 100; i++ {
		agg.Report(fmt.Sprintf("task-%d", i), 0.1)
	}
	assert.Equal(t, 0, rec.count())

	clk.Advance(1999 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	clk.Advance(time.Millisecond)
	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.batches[0], 100)
}

func TestAggregator_NoTimerWhenIdle(t *testing.T) {
	agg, clk, rec := newTestAggregator()

	agg.Report("a", 0.5)
	clk.Advance(2 * time.Second)
	require.Equal(t, 1, rec.count())

	assert.Equal(t, 0, clk.Pending())
	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, rec.count())

	agg.Report("a", 0.6)
	assert.Equal(t, 1, clk.Pending())
}

func TestAggregator_KeepsLatestValue(t *testing.T) {
	agg, clk, rec := newTestAggregator()

	agg.Report("a", 0.1)
	clk.Advance(100 * time.Millisecond)
	agg.Report("a", 0.9)

	clk.Advance(5 * time.Second)
	require.Equal(t, 1, rec.count())
	require.Len(t, rec.batches[0], 1)
	assert.Equal(t, 0.9, rec.batches[0][0].Progress)
}

func TestAggregator_PerTaskIntervalDefersValue(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	agg := New(Config{TaskInterval: 3 * time.Second, FlushInterval: time.Second, Clock: clk, Logger: logger.NewNop()})
	rec := &recorder{}
	agg.Subscribe(rec.consume)

	agg.Report("a", 0.1)
	clk.Advance(time.Second)
	require.Equal(t, 1, rec.count())

	// too soon after the last delivery: held back, not lost
	agg.Report("a", 0.5)
	agg.Report("b", 0.2)
	clk.Advance(time.Second)
	require.Equal(t, 2, rec.count())
	require.Len(t, rec.batches[1], 1)
	assert.Equal(t, "b", rec.batches[1][0].TaskID)

	clk.Advance(1900 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
	clk.Advance(100 * time.Millisecond)
	require.Equal(t, 3, rec.count())
	assert.Equal(t, []Update{{TaskID: "a", Progress: 0.5}}, rec.batches[2])
	assert.Equal(t, 0, clk.Pending())
}

func TestAggregator_StatusIsNotDeferred(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	agg := New(Config{TaskInterval: 3 * time.Second, FlushInterval: time.Second, Clock: clk, Logger: logger.NewNop()})
	rec := &recorder{}
	agg.Subscribe(rec.consume)

	agg.Report("a", 0.1)
	clk.Advance(time.Second)
	agg.Status("a", types.TaskStatusPaused, 0.3)
	clk.Advance(time.Second)

	require.Equal(t, 2, rec.count())
	assert.Equal(t, types.TaskStatusPaused, rec.batches[1][0].Status)
}

func TestAggregator_FlushIgnoresInterval(t *testing.T) {
	agg, clk, rec := newTestAggregator()

	agg.Report("a", 0.1)
	clk.Advance(2 * time.Second)
	agg.Report("a", 0.2)
	agg.Flush()

	require.Equal(t, 2, rec.count())
	assert.Equal(t, 0.2, rec.batches[1][0].Progress)
}

func TestAggregator_FinalBypassesThrottling(t *testing.T) {
	agg, clk, rec := newTestAggregator()

	agg.Report("a", 0.4)
	agg.Final("a", types.TaskStatusCompleted, 0.4, "")

	require.Equal(t, 1, rec.count())
	final := rec.batches[0][0]
	assert.True(t, final.Final)
	assert.Equal(t, 1.0, final.Progress)
	assert.Equal(t, types.TaskStatusCompleted, final.Status)

	// the pending 0.4 was dropped and late reports are ignored
	agg.Report("a", 0.9)
	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, rec.count())
}

func TestAggregator_FinalFailureKeepsMessage(t *testing.T) {
	agg, _, rec := newTestAggregator()

	agg.Final("a", types.TaskStatusFailed, 0.3, types.CancelledByUser)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, 0.3, rec.batches[0][0].Progress)
	assert.Equal(t, types.CancelledByUser, rec.batches[0][0].ErrorMessage)
}

func TestAggregator_ResetAllowsRerun(t *testing.T) {
	agg, clk, rec := newTestAggregator()

	agg.Final("a", types.TaskStatusFailed, 0, "boom")
	agg.Reset("a")
	agg.Status("a", types.TaskStatusPending, 0)
	clk.Advance(2 * time.Second)

	require.Equal(t, 2, rec.count())
	assert.Equal(t, types.TaskStatusPending, rec.batches[1][0].Status)
}

func TestAggregator_Unsubscribe(t *testing.T) {
	agg, clk, rec := newTestAggregator()
	other := &recorder{}
	unsubscribe := agg.Subscribe(other.consume)
	unsubscribe()

	agg.Report("a", 0.5)
	clk.Advance(2 * time.Second)

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 0, other.count())
}

func TestAggregator_ConcurrentReports(t *testing.T) {
	agg := New(Config{TaskInterval: time.Millisecond, FlushInterval: 5 * time.Millisecond, Logger: logger.NewNop()})
	defer agg.Close()
	rec := &recorder{}
	agg.Subscribe(rec.consume)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for p := 0; p <= 10; p++ {
				agg.Report(fmt.Sprintf("t%d", i), float64(p)/10)
			}
		}(i)
	}
	wg.Wait()
	agg.Flush()

	assert.GreaterOrEqual(t, rec.count(), 1)
}
