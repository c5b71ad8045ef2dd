package types

// Op identifies the logical operation a queue item replays against the
// remote time authority.
type Op string

const (
	OpClockIn    Op = "clock_in"
	OpClockOut   Op = "clock_out"
	OpUpdateRate Op = "update_rate"
)

// Location is a precomputed reading supplied by the platform's location
// collaborator. InZone is advisory only — a punch is never blocked on it.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float64 `json:"accuracy_m"`
	InZone    bool    `json:"in_zone"`
}

type ClockInRequest struct {
	EmployeeID  string    `json:"employee_id"`
	WorkOrderID string    `json:"work_order_id"`
	RateType    string    `json:"rate_type"`
	Time        string    `json:"time,omitempty"` // RFC3339; empty means now
	Location    *Location `json:"location,omitempty"`
}

type ClockOutRequest struct {
	LocalID  string    `json:"local_id"`
	Time     string    `json:"time,omitempty"`
	Location *Location `json:"location,omitempty"`
}

type RateChangeRequest struct {
	LocalID  string `json:"local_id"`
	RateType string `json:"rate_type"`
}

// Payload snapshots are captured once at enqueue time and never rewritten.
// They carry everything needed to replay the operation after a restart.

type ClockInPayload struct {
	SessionLocalID string    `json:"session_local_id"`
	EmployeeID     string    `json:"employee_id"`
	WorkOrderID    string    `json:"work_order_id"`
	RateType       string    `json:"rate_type"`
	ClockInTime    string    `json:"clock_in_time"` // RFC3339
	Location       *Location `json:"location,omitempty"`
}

type ClockOutPayload struct {
	SessionLocalID string    `json:"session_local_id"`
	ClockOutTime   string    `json:"clock_out_time"` // RFC3339
	Location       *Location `json:"location,omitempty"`
}

type RateChangePayload struct {
	SessionLocalID string `json:"session_local_id"`
	RateType       string `json:"rate_type"`
	PreviousRate   string `json:"previous_rate"`
}
