package heartbeat

import "time"

// FlushOutcome is the result of the most recent flush.
type FlushOutcome int

const (
	OutcomeNone FlushOutcome = iota
	OutcomePending
	OutcomeSuccess
	OutcomeFailure
)

func (o FlushOutcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "none"
	}
}

// Snapshot is a read-only view of emitter state.
type Snapshot struct {
	Outcome     FlushOutcome
	LastFlushAt time.Time
	LastError   error

	// Buffered is the number of heartbeats waiting for delivery, excluding
	// any batch currently in flight.
	Buffered  int
	Delivered int
	Dropped   int

	ConsecutiveFailures int

	// RetryAt is when capacity-triggered flushes resume after a failure.
	// Zero when not backing off.
	RetryAt time.Time

	Category string
	Disposed bool
}

// Healthy reports whether the last flush did not fail.
func (s Snapshot) Healthy() bool {
	return s.Outcome != OutcomeFailure
}
