package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusUp      Status = "up"
	StatusDown    Status = "down"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"

	// StatusUnknown is only ever held by a CachedStatus that has not seen a probe yet.
	StatusUnknown Status = "unknown"
)

func (s Status) IsOutcome() bool {
	switch s {
	case StatusUp, StatusDown, StatusError, StatusTimeout:
		return true
	}
	return false
}

// Outcome is the immutable result of a single probe.
// Latency is set iff Status is up; Detail is set iff it is not.
type Outcome struct {
	ConnectionID ConnectionID  `json:"connection_id"`
	Status       Status        `json:"status"`
	Latency      time.Duration `json:"-"`
	HTTPStatus   int           `json:"http_status,omitempty"`
	Detail       string        `json:"error_detail,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

func UpOutcome(id ConnectionID, latency time.Duration) Outcome {
	return Outcome{ConnectionID: id, Status: StatusUp, Latency: latency}
}

func FailedOutcome(id ConnectionID, status Status, detail string) Outcome {
	return Outcome{ConnectionID: id, Status: status, Detail: detail}
}

// Normalized enforces the latency/detail invariant. An outcome without a
// recognised status becomes an error outcome.
func (o Outcome) Normalized() Outcome {
	if !o.Status.IsOutcome() {
		detail := "probe returned no status"
		if o.Status != "" {
			detail = "probe returned unknown status " + string(o.Status)
		}
		o.Status = StatusError
		o.Detail = detail
	}
	if o.Status == StatusUp {
		o.Detail = ""
		if o.Latency < 0 {
			o.Latency = 0
		}
		return o
	}
	o.Latency = 0
	if o.Detail == "" {
		o.Detail = string(o.Status)
	}
	return o
}

// LatencyMS returns the latency in milliseconds, nil unless the probe was up.
func (o Outcome) LatencyMS() *float64 {
	if o.Status != StatusUp {
		return nil
	}
	ms := float64(o.Latency) / float64(time.Millisecond)
	return &ms
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	type alias Outcome
	return json.Marshal(struct {
		alias
		LatencyMS *float64 `json:"latency_ms"`
	}{alias(o), o.LatencyMS()})
}

func (o *Outcome) UnmarshalJSON(b []byte) error {
	type alias Outcome
	aux := struct {
		*alias
		LatencyMS *float64 `json:"latency_ms"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.LatencyMS != nil {
		o.Latency = time.Duration(*aux.LatencyMS * float64(time.Millisecond))
	}
	return nil
}

// CachedStatus is the last-known-outcome projection of a connection.
type CachedStatus struct {
	Status              Status        `json:"status"`
	Latency             time.Duration `json:"-"`
	HTTPStatus          int           `json:"http_status,omitempty"`
	Detail              string        `json:"error_detail,omitempty"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
	ConsecutiveFailures int           `json:"consecutive_failure_count"`
}

func NewCachedStatus() CachedStatus {
	return CachedStatus{Status: StatusUnknown}
}

// Apply folds an outcome into the projection. Any non-up outcome extends the
// failure streak, an up outcome resets it.
func (c CachedStatus) Apply(o Outcome) CachedStatus {
	next := CachedStatus{
		Status:              o.Status,
		Latency:             o.Latency,
		HTTPStatus:          o.HTTPStatus,
		Detail:              o.Detail,
		LastCheckedAt:       o.CheckedAt,
		ConsecutiveFailures: c.ConsecutiveFailures + 1,
	}
	if o.Status == StatusUp {
		next.ConsecutiveFailures = 0
	}
	return next
}

func (c CachedStatus) Checked() bool {
	return !c.LastCheckedAt.IsZero()
}

func (c CachedStatus) LatencyMS() *float64 {
	if c.Status != StatusUp {
		return nil
	}
	ms := float64(c.Latency) / float64(time.Millisecond)
	return &ms
}

func (c CachedStatus) MarshalJSON() ([]byte, error) {
	type alias CachedStatus
	var last *time.Time
	if c.Checked() {
		last = &c.LastCheckedAt
	}
	return json.Marshal(struct {
		alias
		LastCheckedAt *time.Time `json:"last_checked_at"`
		LatencyMS     *float64   `json:"latency_ms"`
	}{alias(c), last, c.LatencyMS()})
}
