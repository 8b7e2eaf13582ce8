package transport

import (
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const tcpDialTimeout = 5 * time.Second

// NewTCP returns a Transport that connects to a node's companion TCP port
// (stock firmware listens on :5000).
func NewTCP(host string, port int, backoff Backoff, log *zap.Logger) Transport {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dial := func() (io.ReadWriteCloser, error) {
		return net.DialTimeout("tcp", addr, tcpDialTimeout)
	}
	return newStreamTransport("tcp "+addr, dial, backoff, log)
}
