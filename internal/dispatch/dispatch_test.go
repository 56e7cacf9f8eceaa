package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icssync/internal/model"
)

func intents(n int) []model.Intent {
	out := make([]model.Intent, n)
	for i := range out {
		out[i] = model.NewDelete(fmt.Sprintf("t%d|2025-01-01|2025-01-02", i), fmt.Sprintf("id-%d", i))
	}
	return out
}

func TestRunReportsEveryIntentInOrder(t *testing.T) {
	boom := errors.New("boom")
	exec := ExecutorFunc(func(ctx context.Context, in model.Intent) error {
		if in.TargetID == "id-2" {
			return NewError(ClassThrottled, boom)
		}
		if in.TargetID == "id-4" {
			return boom
		}
		return nil
	})

	results := Run(context.Background(), exec, intents(6), 3)
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("id-%d", i), r.Intent.TargetID)
	}
	assert.True(t, results[0].OK())
	assert.ErrorIs(t, results[2].Err, boom)
	assert.Equal(t, ClassThrottled, results[2].Class)
	assert.Equal(t, ClassPermanent, results[4].Class)
	assert.True(t, results[5].OK(), "a failure does not stop siblings")

	tally := Count(results)
	assert.Equal(t, 4, tally.Applied[model.IntentDelete])
	assert.Equal(t, 2, tally.FailedCount())
	assert.Equal(t, 1, tally.ByClass[ClassThrottled])
}

func TestRunBoundsParallelism(t *testing.T) {
	var inFlight, peak atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, in model.Intent) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	results := Run(context.Background(), exec, intents(20), 2)
	assert.Len(t, results, 20)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, in model.Intent) error {
		calls.Add(1)
		return nil
	})

	results := Run(ctx, exec, intents(3), 1)
	assert.Zero(t, calls.Load())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
		assert.Equal(t, ClassTransient, r.Class)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNone, Classify(nil))
	assert.Nil(t, NewError(ClassTransient, nil))
	wrapped := fmt.Errorf("update: %w", NewError(ClassTransient, errors.New("503")))
	assert.Equal(t, ClassTransient, Classify(wrapped))
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassPermanent, Classify(errors.New("400")))
}
