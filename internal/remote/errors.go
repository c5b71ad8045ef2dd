package remote

import "fmt"

// TransientError wraps a failure worth retrying: transport errors, timeouts,
// 429 and 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a business-rule or validation rejection from the time
// authority. It is never retried automatically.
type PermanentError struct {
	Code    string
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}
