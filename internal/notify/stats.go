package notify

import "sync/atomic"

// Stats counts what happened to notifications.  Every message that is not
// delivered ends up in one of the non-Sent counters.
type Stats struct {
	Routed       atomic.Int64
	Unhandled    atomic.Int64
	Skipped      atomic.Int64
	Sent         atomic.Int64
	Duplicates   atomic.Int64
	Permanent    atomic.Int64
	Retries      atomic.Int64
	Nacked       atomic.Int64
	DeadLettered atomic.Int64
	// PoisonStuck counts undecodable messages that could not be
	// dead-lettered and were left to time out.
	PoisonStuck atomic.Int64
}

// Snapshot is a point-in-time copy for reporting.
type Snapshot struct {
	Routed       int64 `json:"routed"`
	Unhandled    int64 `json:"unhandled"`
	Skipped      int64 `json:"skipped"`
	Sent         int64 `json:"sent"`
	Duplicates   int64 `json:"duplicates"`
	Permanent    int64 `json:"permanentFailures"`
	Retries      int64 `json:"retries"`
	Nacked       int64 `json:"nacked"`
	DeadLettered int64 `json:"deadLettered"`
	PoisonStuck  int64 `json:"poisonStuck"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Routed:       s.Routed.Load(),
		Unhandled:    s.Unhandled.Load(),
		Skipped:      s.Skipped.Load(),
		Sent:         s.Sent.Load(),
		Duplicates:   s.Duplicates.Load(),
		Permanent:    s.Permanent.Load(),
		Retries:      s.Retries.Load(),
		Nacked:       s.Nacked.Load(),
		DeadLettered: s.DeadLettered.Load(),
		PoisonStuck:  s.PoisonStuck.Load(),
	}
}
