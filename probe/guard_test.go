package probe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/meshsurvey/survey"
)

type countingProbe struct {
	active  int32
	maxSeen int32
	reads   int32
}

func (c *countingProbe) Name() string { return "counting" }

func (c *countingProbe) ReadCurrent(ctx context.Context) (survey.SignalReading, error) {
	n := atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)
	for {
		old := atomic.LoadInt32(&c.maxSeen)
		if n <= old || atomic.CompareAndSwapInt32(&c.maxSeen, old, n) {
			break
		}
	}
	atomic.AddInt32(&c.reads, 1)
	time.Sleep(2 * time.Millisecond)
	return survey.SignalReading{RSSI: -80, SNR: 5}, nil
}

func TestGuardLease(t *testing.T) {
	g := NewGuard(&Static{RSSI: -70, SNR: 9})

	require.NoError(t, g.Acquire("a"))
	require.NoError(t, g.Acquire("a"))
	assert.True(t, errors.Is(g.Acquire("b"), ErrBusy))
	assert.Equal(t, "a", g.Owner())

	_, err := g.Read(context.Background(), "b")
	assert.True(t, errors.Is(err, ErrBusy))

	reading, err := g.Read(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, -70, reading.RSSI)

	// Releasing someone else's lease does nothing.
	g.Release("b")
	assert.Equal(t, "a", g.Owner())

	g.Release("a")
	assert.Equal(t, "", g.Owner())
	require.NoError(t, g.Acquire("b"))
}

func TestGuardSerialisesReads(t *testing.T) {
	p := &countingProbe{}
	g := NewGuard(p)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Read(context.Background(), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), atomic.LoadInt32(&p.reads))
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.maxSeen))
}

func TestStaticError(t *testing.T) {
	s := &Static{Err: ErrUnavailable}
	_, err := s.ReadCurrent(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}
