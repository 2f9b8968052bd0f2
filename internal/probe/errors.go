package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Failure classes. Every probe error is classified into one of these before
// it is turned into an outcome.
var (
	ErrTimeout           = errors.New("probe timed out")
	ErrConnectionRefused = errors.New("connection refused")
	ErrUnreachable       = errors.New("target unreachable")
	ErrProtocol          = errors.New("protocol error")
)

// ProbeError is a classified probe failure.
type ProbeError struct {
	Class error
	Op    string
	Err   error
}

func (e *ProbeError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Class.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ProbeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// StatusCodeError is an HTTP response outside the 2xx/3xx range.
type StatusCodeError struct {
	Code int
	Text string
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Text)
}

// classify maps a transport error onto a failure class. The probe context is
// consulted first so that anything cut short by the deadline reads as a timeout.
func classify(ctx context.Context, op string, err error) *ProbeError {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &ProbeError{Class: ErrTimeout, Op: op, Err: timeoutDetail(ctx, err)}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ProbeError{Class: ErrUnreachable, Op: op, Err: fmt.Errorf("dns %s: %w", dnsClass(dnsErr), err)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProbeError{Class: ErrTimeout, Op: op, Err: err}
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ProbeError{Class: ErrConnectionRefused, Op: op, Err: err}
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTDOWN), errors.Is(err, syscall.ECONNRESET):
		return &ProbeError{Class: ErrUnreachable, Op: op, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write") {
		return &ProbeError{Class: ErrUnreachable, Op: op, Err: err}
	}
	return &ProbeError{Class: ErrProtocol, Op: op, Err: err}
}

func timeoutDetail(ctx context.Context, err error) error {
	if d, ok := budget(ctx); ok {
		return fmt.Errorf("no answer within %s", d)
	}
	if err == nil {
		return context.DeadlineExceeded
	}
	return err
}

type budgetKey struct{}

// withBudget records the configured timeout so that timeout details can name it.
func withBudget(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, budgetKey{}, d)
}

func budget(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(budgetKey{}).(time.Duration)
	return d, ok
}
