package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hamed0406/connwatch/internal/domain"
)

// Result is what a driver reports for one probe. A nil Err means the target is up.
type Result struct {
	Latency    time.Duration
	HTTPStatus int
	Err        error
}

// Checker performs a single, timeout-bounded probe of a connection.
type Checker interface {
	Check(ctx context.Context, c domain.Connection) domain.Outcome
}

// Dispatcher maps each connection type to its driver.
type Dispatcher struct {
	HTTP     *HTTPDriver
	Ping     *PingDriver
	TCP      *TCPDriver
	Database *DatabaseDriver
}

func NewDispatcher(h *HTTPDriver, p *PingDriver, t *TCPDriver, d *DatabaseDriver) *Dispatcher {
	return &Dispatcher{HTTP: h, Ping: p, TCP: t, Database: d}
}

// Check runs the driver for c. The caller's context bounds the probe; the
// connection timeout is applied on top of it.
func (d *Dispatcher) Check(ctx context.Context, c domain.Connection) domain.Outcome {
	spec, err := c.Spec()
	if err != nil {
		return domain.FailedOutcome(c.ID, domain.StatusError, err.Error())
	}

	timeout := c.Timeout()
	ctx, cancel := context.WithTimeout(withBudget(ctx, timeout), timeout)
	defer cancel()

	var res Result
	switch s := spec.(type) {
	case domain.HTTPSpec:
		res = d.HTTP.Check(ctx, s)
	case domain.PingSpec:
		res = d.Ping.Check(ctx, s)
	case domain.TCPSpec:
		res = d.TCP.Check(ctx, s)
	case domain.DatabaseSpec:
		res = d.Database.Check(ctx, s)
	default:
		return domain.FailedOutcome(c.ID, domain.StatusError, fmt.Sprintf("no driver for %T", spec))
	}
	return toOutcome(c.ID, res)
}

func toOutcome(id domain.ConnectionID, res Result) domain.Outcome {
	if res.Err == nil {
		o := domain.UpOutcome(id, res.Latency)
		o.HTTPStatus = res.HTTPStatus
		return o
	}

	var status domain.Status
	var sc *StatusCodeError
	switch {
	case errors.As(res.Err, &sc):
		status = domain.StatusDown
	case errors.Is(res.Err, ErrTimeout):
		status = domain.StatusTimeout
	case errors.Is(res.Err, ErrConnectionRefused), errors.Is(res.Err, ErrUnreachable):
		status = domain.StatusDown
	default:
		status = domain.StatusError
	}
	o := domain.FailedOutcome(id, status, res.Err.Error())
	o.HTTPStatus = res.HTTPStatus
	return o
}

// Run executes one probe behind a hard deadline of the connection timeout
// plus grace. A checker that panics yields an error outcome; one that ignores
// its context is abandoned and reported as a timeout. The returned outcome is
// always normalized but carries no timestamp.
func Run(ctx context.Context, chk Checker, c domain.Connection, grace time.Duration) domain.Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan domain.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.FailedOutcome(c.ID, domain.StatusError, fmt.Sprintf("probe panicked: %v", r))
			}
		}()
		done <- chk.Check(ctx, c)
	}()

	hard := time.NewTimer(c.Timeout() + grace)
	defer hard.Stop()

	var o domain.Outcome
	select {
	case o = <-done:
	case <-hard.C:
		o = domain.FailedOutcome(c.ID, domain.StatusTimeout,
			fmt.Sprintf("%s probe of %s abandoned after %s", c.Kind, c.Target, c.Timeout()))
	case <-ctx.Done():
		o = domain.FailedOutcome(c.ID, domain.StatusError, "probe cancelled: "+ctx.Err().Error())
	}
	o.ConnectionID = c.ID
	return o.Normalized()
}
