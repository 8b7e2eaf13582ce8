package transport

import (
	"io"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// NewSerial returns a Transport that talks to a node over a USB-serial
// port. The stock firmware speaks the same stream framing as TCP.
func NewSerial(path string, baud int, backoff Backoff, log *zap.Logger) Transport {
	dial := func() (io.ReadWriteCloser, error) {
		port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, err
		}
		return port, nil
	}
	return newStreamTransport("serial "+path, dial, backoff, log)
}
