package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/meshcore"
	"github.com/meshcommons/meshbridge/internal/transport"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	sends  chan []byte
	frames chan []byte
	states chan transport.ConnectionState
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sends:  make(chan []byte, 64),
		frames: make(chan []byte, 64),
		states: make(chan transport.ConnectionState, 16),
	}
}

func (f *fakeTransport) Connect() error    { return nil }
func (f *fakeTransport) Disconnect() error { return nil }

func (f *fakeTransport) Send(p []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, p)
	f.mu.Unlock()
	select {
	case f.sends <- p:
	default:
	}
	return nil
}

func (f *fakeTransport) Frames() <-chan []byte                    { return f.frames }
func (f *fakeTransport) States() <-chan transport.ConnectionState { return f.states }
func (f *fakeTransport) State() transport.ConnectionState         { return transport.StateConnected }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitSent(t *testing.T, f *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for f.sentCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sends, have %d", n, f.sentCount())
		}
		time.Sleep(time.Millisecond)
	}
}

type execResult struct {
	events []meshcore.Event
	err    error
}

func execAsync(d *dispatcher, payload []byte, accept, terminal kindSet) <-chan execResult {
	ch := make(chan execResult, 1)
	go func() {
		evs, err := d.Execute(context.Background(), payload, accept, terminal)
		ch <- execResult{events: evs, err: err}
	}()
	return ch
}

func TestDispatcherResolvesOnTerminal(t *testing.T) {
	tr := newFakeTransport()
	d := newDispatcher(tr, time.Second, zap.NewNop())

	done := execAsync(d, meshcore.SendSelfAdvert(false),
		kinds(meshcore.KindOK, meshcore.KindErr),
		kinds(meshcore.KindOK, meshcore.KindErr))
	waitSent(t, tr, 1)

	assert.True(t, d.HandleFrame(meshcore.OKEvent{}))

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.events, 1)
	assert.Equal(t, meshcore.KindOK, res.events[0].Kind())
}

func TestDispatcherCollectsStreamedEvents(t *testing.T) {
	tr := newFakeTransport()
	d := newDispatcher(tr, time.Second, zap.NewNop())

	accept := kinds(meshcore.KindContactsStart, meshcore.KindContact, meshcore.KindEndOfContacts, meshcore.KindErr)
	terminal := kinds(meshcore.KindEndOfContacts, meshcore.KindErr)
	done := execAsync(d, meshcore.GetContacts(), accept, terminal)
	waitSent(t, tr, 1)

	assert.True(t, d.HandleFrame(meshcore.ContactsStartEvent{Count: 2}))
	assert.True(t, d.HandleFrame(meshcore.ContactEvent{}))
	assert.True(t, d.HandleFrame(meshcore.ContactEvent{}))
	assert.True(t, d.HandleFrame(meshcore.EndOfContactsEvent{}))

	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.events, 4)
}

func TestDispatcherIgnoresUnrelatedFrames(t *testing.T) {
	tr := newFakeTransport()
	d := newDispatcher(tr, time.Second, zap.NewNop())

	done := execAsync(d, meshcore.GetBatteryVoltage(),
		kinds(meshcore.KindBatteryVoltage, meshcore.KindErr),
		kinds(meshcore.KindBatteryVoltage, meshcore.KindErr))
	waitSent(t, tr, 1)

	// A push arriving mid-command is not consumed by the exchange.
	assert.False(t, d.HandleFrame(meshcore.AdvertEvent{}))
	assert.True(t, d.HandleFrame(meshcore.BatteryVoltageEvent{Millivolts: 3900}))

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.events, 1)
}

func TestDispatcherTimeoutAndStragglerWindow(t *testing.T) {
	tr := newFakeTransport()
	d := newDispatcher(tr, 30*time.Millisecond, zap.NewNop())

	_, err := d.Execute(context.Background(), meshcore.GetBatteryVoltage(),
		kinds(meshcore.KindBatteryVoltage), kinds(meshcore.KindBatteryVoltage))
	require.ErrorIs(t, err, meshcore.ErrTimeout)

	// The late reply inside the grace window is swallowed, not surfaced
	// as a push.
	assert.True(t, d.HandleFrame(meshcore.BatteryVoltageEvent{Millivolts: 3900}))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, d.HandleFrame(meshcore.BatteryVoltageEvent{Millivolts: 3900}))
}

func TestDispatcherFailResolvesInFlight(t *testing.T) {
	tr := newFakeTransport()
	d := newDispatcher(tr, time.Second, zap.NewNop())

	done := execAsync(d, meshcore.GetContacts(),
		kinds(meshcore.KindEndOfContacts), kinds(meshcore.KindEndOfContacts))
	waitSent(t, tr, 1)

	d.Fail(meshcore.ErrConnectionLost)
	res := <-done
	assert.ErrorIs(t, res.err, meshcore.ErrConnectionLost)
}

func TestDispatcherFailWakesQueuedCallers(t *testing.T) {
	tr := newFakeTransport()
	d := newDispatcher(tr, time.Second, zap.NewNop())

	first := execAsync(d, meshcore.GetContacts(),
		kinds(meshcore.KindEndOfContacts), kinds(meshcore.KindEndOfContacts))
	waitSent(t, tr, 1)
	second := execAsync(d, meshcore.GetBatteryVoltage(),
		kinds(meshcore.KindBatteryVoltage), kinds(meshcore.KindBatteryVoltage))

	d.Fail(meshcore.ErrConnectionLost)

	assert.ErrorIs(t, (<-first).err, meshcore.ErrConnectionLost)
	assert.ErrorIs(t, (<-second).err, meshcore.ErrConnectionLost)
	// Only the first command ever reached the wire.
	assert.Equal(t, 1, tr.sentCount())
}

func TestDispatcherRecoversAfterReset(t *testing.T) {
	tr := newFakeTransport()
	d := newDispatcher(tr, time.Second, zap.NewNop())

	d.Fail(meshcore.ErrConnectionLost)
	_, err := d.Execute(context.Background(), meshcore.GetBatteryVoltage(),
		kinds(meshcore.KindBatteryVoltage), kinds(meshcore.KindBatteryVoltage))
	require.ErrorIs(t, err, meshcore.ErrConnectionLost)

	d.Reset()
	done := execAsync(d, meshcore.GetBatteryVoltage(),
		kinds(meshcore.KindBatteryVoltage), kinds(meshcore.KindBatteryVoltage))
	waitSent(t, tr, 1)
	assert.True(t, d.HandleFrame(meshcore.BatteryVoltageEvent{Millivolts: 4000}))
	require.NoError(t, (<-done).err)
}

func TestDispatcherSerialisesCommands(t *testing.T) {
	tr := newFakeTransport()
	d := newDispatcher(tr, time.Second, zap.NewNop())

	first := execAsync(d, meshcore.SendSelfAdvert(false),
		kinds(meshcore.KindOK), kinds(meshcore.KindOK))
	waitSent(t, tr, 1)
	second := execAsync(d, meshcore.GetBatteryVoltage(),
		kinds(meshcore.KindBatteryVoltage), kinds(meshcore.KindBatteryVoltage))

	// The second command must not hit the wire while the first is pending.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.sentCount())

	assert.True(t, d.HandleFrame(meshcore.OKEvent{}))
	require.NoError(t, (<-first).err)

	waitSent(t, tr, 2)
	assert.True(t, d.HandleFrame(meshcore.BatteryVoltageEvent{Millivolts: 4000}))
	require.NoError(t, (<-second).err)
}
