package support

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSessionLocksSerialisePerSession(t *testing.T) {
	locks := newSessionLocks()
	var inside, peak atomic.Int64

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			release, err := locks.acquire(context.Background(), "s1")
			if err != nil {
				return err
			}
			defer release()
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, peak.Load())
	assert.Equal(t, 0, locks.size())
}

func TestSessionLocksHonourContext(t *testing.T) {
	locks := newSessionLocks()
	release, err := locks.acquire(context.Background(), "s1")
	require.NoError(t, err)

	other, err := locks.acquire(context.Background(), "s2")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, locks.size())
}
