package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/meshcore"
	"github.com/meshcommons/meshbridge/internal/transport"
)

// kindSet is the set of event kinds a pending command matches on.
type kindSet map[meshcore.EventKind]bool

func kinds(ks ...meshcore.EventKind) kindSet {
	s := make(kindSet, len(ks))
	for _, k := range ks {
		s[k] = true
	}
	return s
}

// pendingCommand tracks the single in-flight request/response exchange.
// accept names every event kind the exchange may produce; terminal names
// the subset that completes it. Streamed exchanges (a contact sync, a
// login that acks before the push arrives) collect intermediate events
// until a terminal one lands.
type pendingCommand struct {
	accept   kindSet
	terminal kindSet
	events   []meshcore.Event
	done     chan cmdResult
}

type cmdResult struct {
	events []meshcore.Event
	err    error
}

// stragglerWindow absorbs the response of a command that already timed
// out. The protocol carries no correlation tokens, so a late reply would
// otherwise be misread as an unsolicited push.
type stragglerWindow struct {
	accept kindSet
	until  time.Time
}

// dispatcher serialises commands onto the transport. The companion
// protocol offers no way to match responses to requests, so exactly one
// command is in flight at a time; later callers queue on the slot.
type dispatcher struct {
	tr      transport.Transport
	timeout time.Duration
	log     *zap.Logger

	slot chan struct{} // holds the single in-flight permit

	mu        sync.Mutex
	pending   *pendingCommand
	straggler *stragglerWindow
	lost      chan struct{} // closed when the connection drops
	failed    bool
}

func newDispatcher(tr transport.Transport, timeout time.Duration, log *zap.Logger) *dispatcher {
	d := &dispatcher{
		tr:      tr,
		timeout: timeout,
		log:     log,
		slot:    make(chan struct{}, 1),
		lost:    make(chan struct{}),
	}
	d.slot <- struct{}{}
	return d
}

// Execute sends payload and waits for a terminal event, returning every
// accepted event collected along the way. Queued and in-flight callers
// both fail with ErrConnectionLost when the transport drops.
func (d *dispatcher) Execute(ctx context.Context, payload []byte, accept, terminal kindSet) ([]meshcore.Event, error) {
	d.mu.Lock()
	lost := d.lost
	d.mu.Unlock()

	select {
	case <-d.slot:
	case <-lost:
		return nil, fmt.Errorf("session: %w", meshcore.ErrConnectionLost)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The slot may have been freed by a command the connection loss just
	// resolved; do not put another command on a dead link.
	select {
	case <-lost:
		d.slot <- struct{}{}
		return nil, fmt.Errorf("session: %w", meshcore.ErrConnectionLost)
	default:
	}

	pc := &pendingCommand{accept: accept, terminal: terminal, done: make(chan cmdResult, 1)}
	d.mu.Lock()
	d.pending = pc
	d.mu.Unlock()

	if err := d.tr.Send(payload); err != nil {
		d.clear(pc, nil)
		d.slot <- struct{}{}
		return nil, fmt.Errorf("session: send command: %w", err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		d.slot <- struct{}{}
		return res.events, res.err

	case <-timer.C:
		// Leave a grace window so the late reply, if it ever lands, is
		// swallowed instead of being misread as a push.
		d.clear(pc, &stragglerWindow{accept: accept, until: time.Now().Add(d.timeout)})
		d.slot <- struct{}{}
		return nil, fmt.Errorf("session: no response within %s: %w", d.timeout, meshcore.ErrTimeout)

	case <-lost:
		d.clear(pc, nil)
		d.slot <- struct{}{}
		return nil, fmt.Errorf("session: %w", meshcore.ErrConnectionLost)

	case <-ctx.Done():
		d.clear(pc, nil)
		d.slot <- struct{}{}
		return nil, ctx.Err()
	}
}

// HandleFrame offers a decoded inbound event to the in-flight command.
// It reports whether the event was consumed; unconsumed events are the
// caller's to treat as unsolicited pushes.
func (d *dispatcher) HandleFrame(ev meshcore.Event) bool {
	kind := ev.Kind()

	d.mu.Lock()
	if pc := d.pending; pc != nil && pc.accept[kind] {
		pc.events = append(pc.events, ev)
		if pc.terminal[kind] {
			d.pending = nil
			d.mu.Unlock()
			pc.done <- cmdResult{events: pc.events}
			return true
		}
		d.mu.Unlock()
		return true
	}
	if s := d.straggler; s != nil {
		if time.Now().After(s.until) {
			d.straggler = nil
		} else if s.accept[kind] {
			d.mu.Unlock()
			d.log.Debug("session: dropping straggler response",
				zap.String("kind", kind.String()))
			return true
		}
	}
	d.mu.Unlock()
	return false
}

// Fail resolves the in-flight command with err and wakes queued callers.
// Safe to call repeatedly; later calls before Reset are no-ops.
func (d *dispatcher) Fail(err error) {
	d.mu.Lock()
	if d.failed {
		d.mu.Unlock()
		return
	}
	d.failed = true
	pc := d.pending
	d.pending = nil
	d.straggler = nil
	lost := d.lost
	d.mu.Unlock()

	close(lost)
	if pc != nil {
		pc.done <- cmdResult{err: err}
	}
}

// Reset re-arms the dispatcher after a reconnect.
func (d *dispatcher) Reset() {
	d.mu.Lock()
	if d.failed {
		d.lost = make(chan struct{})
		d.failed = false
	}
	d.straggler = nil
	d.mu.Unlock()
}

func (d *dispatcher) clear(pc *pendingCommand, straggler *stragglerWindow) {
	d.mu.Lock()
	if d.pending == pc {
		d.pending = nil
		d.straggler = straggler
	}
	d.mu.Unlock()
	// Drain a resolution that raced the deadline.
	select {
	case <-pc.done:
	default:
	}
}
