package store

// SessionState is the lifecycle position of a clock session. There is no
// stored idle state — a session row is created by the clock-in enqueue.
type SessionState string

const (
	StatePending         SessionState = "pending"           // clock-in enqueued, not yet server-confirmed
	StateActive          SessionState = "active"            // server accepted the clock-in
	StatePendingClockOut SessionState = "pending_clock_out" // clock-out enqueued, not yet confirmed
	StateSynced          SessionState = "synced"            // server accepted the clock-out
	StateArchived        SessionState = "archived"          // retention window elapsed
	StateRolledBack      SessionState = "rolled_back"       // optimistic clock-in reverted; terminal for this attempt
)

// transitionMap lists, per target state, the states a session may come from.
var transitionMap = map[SessionState][]SessionState{
	StatePending:         {StateRolledBack}, // manual retry of a rejected clock-in
	StateActive:          {StatePending, StatePendingClockOut}, // ack, or clock-out rollback
	StatePendingClockOut: {StateActive},
	StateSynced:          {StatePendingClockOut},
	StateArchived:        {StateSynced},
	StateRolledBack:      {StatePending},
}

func ValidTransition(from, to SessionState) bool {
	allowed, ok := transitionMap[to]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == from {
			return true
		}
	}
	return false
}
