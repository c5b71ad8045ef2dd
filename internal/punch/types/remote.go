package types

import "encoding/json"

// SubmitRequest is the envelope posted to the remote time authority.
// Payload is the stored snapshot verbatim; the idempotency key travels as a
// header so the server can drop duplicate replays of the same queue item.
type SubmitRequest struct {
	Op             Op              `json:"op"`
	SessionLocalID string          `json:"session_local_id"`
	RemoteID       string          `json:"remote_id,omitempty"` // set once the server knows the session
	Payload        json.RawMessage `json:"payload"`
}

// AuthoritativeFields are the server-owned values that overwrite local
// optimistic state on every ack (server wins, wholesale).
type AuthoritativeFields struct {
	RemoteID     string `json:"remote_id"`
	ClockInTime  string `json:"clock_in_time,omitempty"`  // RFC3339, server-adjusted
	ClockOutTime string `json:"clock_out_time,omitempty"` // RFC3339, server-adjusted
	DurationMin  *int   `json:"duration_min,omitempty"`   // server-computed
	RateType     string `json:"rate_type,omitempty"`      // accepted rate
}

type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SubmitResponse struct {
	Accepted *AuthoritativeFields `json:"accepted,omitempty"`
	Rejected *Rejection           `json:"rejected,omitempty"`
}
