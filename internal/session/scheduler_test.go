package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSchedulerIndependentCadences(t *testing.T) {
	sched := newScheduler(zap.NewNop())
	msgTicks := make(chan time.Time)
	devTicks := make(chan time.Time)

	var msgPolls, devPolls atomic.Int32
	sched.add("messages", 10*time.Second, msgTicks, func(context.Context) { msgPolls.Add(1) })
	sched.add("device_info", 60*time.Second, devTicks, func(context.Context) { devPolls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx) //nolint:errcheck

	// 65 simulated seconds: message ticks fire at 10s..60s, the device
	// tick once at 60s.
	for i := 0; i < 6; i++ {
		msgTicks <- time.Time{}
	}
	devTicks <- time.Time{}

	require.Eventually(t, func() bool {
		return msgPolls.Load() == 6 && devPolls.Load() == 1
	}, time.Second, time.Millisecond)
}

func TestSchedulerSkipsTickWhileCycleRunning(t *testing.T) {
	sched := newScheduler(zap.NewNop())
	ticks := make(chan time.Time)
	block := make(chan struct{})
	started := make(chan struct{}, 4)

	var polls atomic.Int32
	sched.add("messages", 10*time.Second, ticks, func(context.Context) {
		polls.Add(1)
		started <- struct{}{}
		<-block
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx) //nolint:errcheck

	ticks <- time.Time{}
	<-started

	// The cycle is still running; these ticks must be skipped.
	ticks <- time.Time{}
	ticks <- time.Time{}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), polls.Load())

	close(block)
	require.Eventually(t, func() bool {
		select {
		case ticks <- time.Time{}:
		default:
		}
		return polls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	sched := newScheduler(zap.NewNop())
	ticks := make(chan time.Time)
	sched.add("messages", 10*time.Second, ticks, func(context.Context) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
