package switchlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionsNeverInterleave(t *testing.T) {
	l := New()
	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(context.Context) error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestErrorPropagatesAndReleases(t *testing.T) {
	l := New()
	boom := errors.New("boom")
	assert.ErrorIs(t, l.Do(context.Background(), func(context.Context) error { return boom }), boom)
	assert.NoError(t, l.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestQueuedCallerCanGiveUp(t *testing.T) {
	l := New()
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := l.Do(ctx, func(context.Context) error { ran = true; return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
	close(release)
}
