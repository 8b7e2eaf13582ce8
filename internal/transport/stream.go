package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/meshcore"
)

const (
	streamReadBufSize  = 4096
	streamFrameChanSiz = 256
	streamStateChanSiz = 16
	streamWriteTimeout = 5 * time.Second
)

// streamTransport carries the companion protocol over any byte stream
// (TCP socket or USB-serial port). It owns the connect/reconnect loop with
// capped exponential backoff and splits the inbound stream into complete
// payloads with meshcore.FrameSplitter.
type streamTransport struct {
	name    string
	dial    func() (io.ReadWriteCloser, error)
	backoff Backoff
	log     *zap.Logger

	frames chan []byte
	states chan ConnectionState
	state  atomic.Int32

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStreamTransport(name string, dial func() (io.ReadWriteCloser, error), backoff Backoff, log *zap.Logger) *streamTransport {
	t := &streamTransport{
		name:    name,
		dial:    dial,
		backoff: backoff,
		log:     log,
		frames:  make(chan []byte, streamFrameChanSiz),
		states:  make(chan ConnectionState, streamStateChanSiz),
	}
	t.state.Store(int32(StateDisconnected))
	return t
}

func (t *streamTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.readLoop(ctx)
	return nil
}

func (t *streamTransport) Disconnect() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	t.wg.Wait()
	t.setState(StateDisconnected)
	return nil
}

func (t *streamTransport) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%s: %w", t.name, meshcore.ErrNotConnected)
	}
	frame, err := meshcore.EncodeFrame(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	if nc, ok := conn.(net.Conn); ok {
		nc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)) //nolint:errcheck
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("%s: send: %w", t.name, err)
	}
	return nil
}

func (t *streamTransport) Frames() <-chan []byte            { return t.frames }
func (t *streamTransport) States() <-chan ConnectionState   { return t.states }
func (t *streamTransport) State() ConnectionState           { return ConnectionState(t.state.Load()) }

// ── internal ──────────────────────────────────────────────────────────────

func (t *streamTransport) readLoop(ctx context.Context) {
	defer t.wg.Done()

	backoff := t.backoff.Initial
	attempts := 0
	for {
		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			return
		}

		t.setState(StateConnecting)
		conn, err := t.dial()
		if err != nil {
			attempts++
			if t.backoff.MaxAttempts > 0 && attempts >= t.backoff.MaxAttempts {
				t.log.Error("reconnect attempts exhausted",
					zap.String("transport", t.name),
					zap.Int("attempts", attempts),
					zap.Error(err),
				)
				t.setState(StateFailed)
				close(t.frames)
				return
			}
			t.log.Warn("dial failed",
				zap.String("transport", t.name),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			t.setState(StateDegraded)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, t.backoff.Max)
				continue
			}
		}

		backoff = t.backoff.Initial
		attempts = 0
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.setState(StateConnected)
		t.log.Info("connected", zap.String("transport", t.name))

		t.readFrames(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		t.setState(StateDegraded)
		t.log.Info("connection lost, reconnecting",
			zap.String("transport", t.name),
			zap.Duration("backoff", backoff),
		)
	}
}

func (t *streamTransport) readFrames(ctx context.Context, conn io.ReadWriteCloser) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	var splitter meshcore.FrameSplitter
	buf := make([]byte, streamReadBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Debug("read", zap.String("transport", t.name), zap.Error(err))
			}
			return
		}
		frames, discarded := splitter.Push(buf[:n])
		if discarded > 0 {
			t.log.Warn("discarded unframed bytes",
				zap.String("transport", t.name),
				zap.Int("bytes", discarded),
			)
		}
		for _, frame := range frames {
			select {
			case t.frames <- frame:
			case <-ctx.Done():
				return
			default:
				t.log.Warn("frame channel full, dropping frame",
					zap.String("transport", t.name))
			}
		}
	}
}

func (t *streamTransport) setState(s ConnectionState) {
	if ConnectionState(t.state.Swap(int32(s))) == s {
		return
	}
	select {
	case t.states <- s:
	default:
		// Owner is not draining state changes; the atomic still holds the
		// latest value.
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
