package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntilReturnsOnKthPoll(t *testing.T) {
	const k = 3
	interval := 20 * time.Millisecond

	polls := 0
	start := time.Now()
	out, err := Until(
		context.Background(),
		Config{Interval: interval, Timeout: time.Second},
		func(ctx context.Context) ([]int, error) {
			polls++
			if polls >= k {
				return []int{1}, nil
			}
			return nil, nil
		},
		func(out []int) bool { return len(out) > 0 },
	)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, []int{1}, out)
	assert.Equal(t, k, polls, "should return on exactly the k-th poll")
	assert.GreaterOrEqual(t, elapsed, time.Duration(k)*interval)
}

func TestUntilTimesOut(t *testing.T) {
	interval := 10 * time.Millisecond
	timeout := 55 * time.Millisecond

	start := time.Now()
	_, err := Until(
		context.Background(),
		Config{Interval: interval, Timeout: timeout},
		func(ctx context.Context) ([]int, error) { return nil, nil },
		func([]int) bool { return false },
	)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, timeout+interval+50*time.Millisecond, "must fail within timeout plus one interval")
}

func TestUntilHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Until(
		ctx,
		Config{Interval: 10 * time.Millisecond, Timeout: time.Minute},
		func(ctx context.Context) ([]int, error) { return nil, nil },
		func([]int) bool { return false },
	)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUntilPropagatesQueryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Until(
		context.Background(),
		Config{Interval: time.Millisecond, Timeout: time.Second},
		func(ctx context.Context) ([]int, error) { return nil, boom },
		func([]int) bool { return true },
	)
	require.ErrorIs(t, err, boom)
}

func TestUntilNeverPollsBeforeFirstInterval(t *testing.T) {
	interval := 50 * time.Millisecond
	start := time.Now()
	var firstPoll time.Time
	_, err := Until(
		context.Background(),
		Config{Interval: interval, Timeout: time.Second},
		func(ctx context.Context) ([]int, error) {
			firstPoll = time.Now()
			return []int{1}, nil
		},
		func(out []int) bool { return len(out) > 0 },
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, firstPoll.Sub(start), interval)
}
