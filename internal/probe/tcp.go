package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/hamed0406/connwatch/internal/domain"
)

type TCPDriver struct {
	Dialer *net.Dialer
}

func NewTCPDriver(resolver *net.Resolver) *TCPDriver {
	return &TCPDriver{Dialer: &net.Dialer{Resolver: resolver}}
}

// Check opens a TCP connection and closes it straight away. No payload is sent.
func (t *TCPDriver) Check(ctx context.Context, spec domain.TCPSpec) Result {
	addr := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
	return t.dial(ctx, "tcp connect "+addr, addr)
}

func (t *TCPDriver) dial(ctx context.Context, op, addr string) Result {
	start := time.Now()
	conn, err := t.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{Err: classify(ctx, op, err)}
	}
	latency := time.Since(start)
	_ = conn.Close()
	return Result{Latency: latency}
}
