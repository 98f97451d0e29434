package relay

import "fmt"

// ErrActiveGateClosed is returned when a state-mutating command arrives
// while the agent is deactivated. Non-retriable until reactivation.
type ErrActiveGateClosed struct {
	Command string
}

func (e *ErrActiveGateClosed) Error() string {
	return fmt.Sprintf("relay: agent inactive, refusing %s", e.Command)
}

// ErrBusy is returned when EXECUTE_ACTIONS arrives while another run is
// active. Retriable: the relay may resend once the current run terminates.
type ErrBusy struct {
	ActiveRunID string
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("relay: busy with run %s", e.ActiveRunID)
}

// ErrUnsupportedCommand is returned for canonical command types with no
// registered handler. Non-retriable.
type ErrUnsupportedCommand struct {
	Type string
}

func (e *ErrUnsupportedCommand) Error() string {
	return fmt.Sprintf("relay: unsupported command type %s", e.Type)
}

// ErrNotConnected is returned by Send when no connection is active.
type ErrNotConnected struct{}

func (e *ErrNotConnected) Error() string {
	return "relay: not connected"
}

// ErrAllCandidatesFailed aggregates per-candidate dial failures from one
// connect sweep.
type ErrAllCandidatesFailed struct {
	Reasons []string
}

func (e *ErrAllCandidatesFailed) Error() string {
	return "relay: all candidates failed: " + joinReasons(e.Reasons)
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}
