package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/meshcommons/meshbridge/internal/meshcore"
)

// Nordic UART service as exposed by MeshCore firmware.
var (
	bleServiceUUID = mustUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	bleRxCharUUID  = mustUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e") // host writes
	bleTxCharUUID  = mustUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e") // node notifies
)

const bleScanTimeout = 15 * time.Second

// bleTransport carries the companion protocol over BLE GATT. Unlike the
// stream transports, each GATT notification is already one complete
// payload, so no stream framing is applied in either direction.
type bleTransport struct {
	address string
	pin     string
	backoff Backoff
	log     *zap.Logger

	frames chan []byte
	states chan ConnectionState
	state  atomic.Int32

	mu     sync.Mutex
	device *bluetooth.Device
	rx     *bluetooth.DeviceCharacteristic
	cancel context.CancelFunc
	lost   chan struct{}
	wg     sync.WaitGroup
}

// NewBLE returns a Transport that connects to a node by BLE MAC address.
// PIN pairing is not supported over proxied Bluetooth links: a non-empty
// pin fails Connect with a distinct ConnError rather than being ignored.
func NewBLE(address, pin string, backoff Backoff, log *zap.Logger) Transport {
	t := &bleTransport{
		address: address,
		pin:     pin,
		backoff: backoff,
		log:     log,
		frames:  make(chan []byte, streamFrameChanSiz),
		states:  make(chan ConnectionState, streamStateChanSiz),
	}
	t.state.Store(int32(StateDisconnected))
	return t
}

func (t *bleTransport) Connect() error {
	if t.pin != "" {
		return &meshcore.ConnError{
			Kind: meshcore.ConnKindPINUnsupported,
			Err:  fmt.Errorf("ble: PIN pairing is not supported on this link"),
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	if err := bluetooth.DefaultAdapter.Enable(); err != nil {
		return &meshcore.ConnError{Kind: meshcore.ConnKindDial, Err: fmt.Errorf("ble: enable adapter: %w", err)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.connectLoop(ctx)
	return nil
}

func (t *bleTransport) Disconnect() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.device != nil {
		t.device.Disconnect() //nolint:errcheck
		t.device = nil
		t.rx = nil
	}
	t.mu.Unlock()

	t.wg.Wait()
	t.setState(StateDisconnected)
	return nil
}

func (t *bleTransport) Send(payload []byte) error {
	t.mu.Lock()
	rx := t.rx
	t.mu.Unlock()

	if rx == nil {
		return fmt.Errorf("ble: %w", meshcore.ErrNotConnected)
	}
	if _, err := rx.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("ble: send: %w", err)
	}
	return nil
}

func (t *bleTransport) Frames() <-chan []byte          { return t.frames }
func (t *bleTransport) States() <-chan ConnectionState { return t.states }
func (t *bleTransport) State() ConnectionState         { return ConnectionState(t.state.Load()) }

// ── internal ──────────────────────────────────────────────────────────────

func (t *bleTransport) connectLoop(ctx context.Context) {
	defer t.wg.Done()

	backoff := t.backoff.Initial
	attempts := 0
	for {
		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			return
		}

		t.setState(StateConnecting)
		lost, err := t.connectOnce()
		if err != nil {
			attempts++
			if t.backoff.MaxAttempts > 0 && attempts >= t.backoff.MaxAttempts {
				t.log.Error("ble: reconnect attempts exhausted",
					zap.Int("attempts", attempts), zap.Error(err))
				t.setState(StateFailed)
				close(t.frames)
				return
			}
			t.log.Warn("ble: connect failed",
				zap.String("address", t.address),
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
		t.setState(StateConnected)
		t.log.Info("ble: connected", zap.String("address", t.address))

		select {
		case <-ctx.Done():
			return
		case <-lost:
		}

		t.mu.Lock()
		t.device = nil
		t.rx = nil
		t.mu.Unlock()
		t.setState(StateDegraded)
		t.log.Info("ble: connection lost, reconnecting", zap.Duration("backoff", backoff))
	}
}

// connectOnce scans for the configured address, connects, and wires up the
// UART characteristics. It returns a channel closed when the link drops.
func (t *bleTransport) connectOnce() (<-chan struct{}, error) {
	adapter := bluetooth.DefaultAdapter

	var result bluetooth.ScanResult
	found := make(chan struct{})
	var once sync.Once
	scanErr := adapter.Scan(func(a *bluetooth.Adapter, sr bluetooth.ScanResult) {
		if strings.EqualFold(sr.Address.String(), t.address) {
			result = sr
			a.StopScan() //nolint:errcheck
			once.Do(func() { close(found) })
		}
	})
	if scanErr != nil {
		return nil, fmt.Errorf("ble: scan: %w", scanErr)
	}
	select {
	case <-found:
	case <-time.After(bleScanTimeout):
		adapter.StopScan() //nolint:errcheck
		return nil, fmt.Errorf("ble: device %s not found", t.address)
	}

	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble: connect %s: %w", t.address, err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bleServiceUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect() //nolint:errcheck
		return nil, fmt.Errorf("ble: UART service discovery: %w", err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bleRxCharUUID, bleTxCharUUID})
	if err != nil || len(chars) < 2 {
		device.Disconnect() //nolint:errcheck
		return nil, fmt.Errorf("ble: UART characteristic discovery: %w", err)
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected {
			lostOnce.Do(func() { close(lost) })
		}
	})

	rx, tx := chars[0], chars[1]
	err = tx.EnableNotifications(func(buf []byte) {
		frame := make([]byte, len(buf))
		copy(frame, buf)
		select {
		case t.frames <- frame:
		default:
			t.log.Warn("ble: frame channel full, dropping frame")
		}
	})
	if err != nil {
		device.Disconnect() //nolint:errcheck
		return nil, fmt.Errorf("ble: enable notifications: %w", err)
	}

	t.mu.Lock()
	t.device = &device
	t.rx = &rx
	t.lost = lost
	t.mu.Unlock()
	return lost, nil
}

func (t *bleTransport) setState(s ConnectionState) {
	if ConnectionState(t.state.Swap(int32(s))) == s {
		return
	}
	select {
	case t.states <- s:
	default:
	}
}

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}
