package agents

import "fmt"

// UnavailableError reports an agent that is disabled, unreachable, or
// failing its health check.
type UnavailableError struct {
	Agent  string
	Name   string
	Port   string
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s unavailable (%s): %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s unavailable (%s)", e.Name, e.Reason)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Hint is the operator-facing advice shown alongside a 503.
func (e *UnavailableError) Hint() string {
	if e.Reason == reasonDisabled {
		return fmt.Sprintf("%s is disabled in configuration", e.Name)
	}
	return fmt.Sprintf("Check that %s is running on port %s", e.Name, e.Port)
}

// ProtocolError reports an agent that answered with a non-2xx status or a
// body that could not be decoded.
type ProtocolError struct {
	Agent  string
	Name   string
	Status int
	Body   string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s returned status %d: %v", e.Name, e.Status, e.Err)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Name, e.Status, e.Body)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

const (
	reasonDisabled    = "disabled"
	reasonUnreachable = "unreachable"
	reasonTimeout     = "timeout"
	reasonHealth      = "health check failed"
)

func unavailable(a Agent, reason string, err error) *UnavailableError {
	return &UnavailableError{Agent: a.Key, Name: a.Name, Port: a.Port(), Reason: reason, Err: err}
}
