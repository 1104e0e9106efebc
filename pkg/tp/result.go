package tp

import (
	"errors"
	"fmt"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
)

// Status is the termination reason of a session. The numeric values match
// the codes used by the mesh control socket.
type Status uint8

const (
	StatusComplete               Status = 3
	StatusStopped                Status = 4
	StatusDestinationUnreachable Status = 128
	StatusAlreadyOngoing         Status = 130
	StatusMemoryError            Status = 131
	StatusCannotSend             Status = 132
	StatusTooManySessions        Status = 133
	StatusInactivityTimeout      Status = 134
)

var statusNames = map[Status]string{
	StatusComplete:               "complete",
	StatusStopped:                "stopped",
	StatusDestinationUnreachable: "destination unreachable",
	StatusAlreadyOngoing:         "already ongoing",
	StatusMemoryError:            "memory error",
	StatusCannotSend:             "cannot send",
	StatusTooManySessions:        "too many sessions",
	StatusInactivityTimeout:      "inactivity timeout",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// IsError reports whether s is a failure.
func (s Status) IsError() bool {
	return s != StatusComplete
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// ParseStatus parses a status name as produced by Status.String.
func ParseStatus(name string) (Status, error) {
	var s Status
	err := s.UnmarshalText([]byte(name))
	return s, err
}

// Errors returned by Meter.Start and Meter.Stop.
var (
	ErrDestinationUnreachable = errors.New("destination unreachable")
	ErrAlreadyOngoing         = errors.New("session to peer already ongoing")
	ErrTooManySessions        = errors.New("too many sessions")
	ErrMemory                 = errors.New("memory error")
	ErrCannotSend             = errors.New("cannot send")
	ErrNoSession              = errors.New("no session for peer")
	ErrClosed                 = errors.New("meter closed")
)

// StatusOf maps an error from Start to the status reported to the client.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusComplete
	case errors.Is(err, ErrAlreadyOngoing):
		return StatusAlreadyOngoing
	case errors.Is(err, ErrTooManySessions):
		return StatusTooManySessions
	case errors.Is(err, ErrMemory):
		return StatusMemoryError
	case errors.Is(err, ErrCannotSend):
		return StatusCannotSend
	default:
		return StatusDestinationUnreachable
	}
}

// Role is the side of a measurement a session plays.
type Role uint8

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "sender":
		*r = RoleSender
	case "receiver":
		*r = RoleReceiver
	default:
		return fmt.Errorf("unknown role %q", string(b))
	}
	return nil
}

// Result is the outcome of one session. A sender sets Elapsed and TotalBytes
// only when its test completes; any other sender status carries just the
// reason. A receiver always sets both, whatever ended it, including
// StatusInactivityTimeout and StatusStopped.
type Result struct {
	UID        uint8         `json:"uid"`
	Peer       core.Addr     `json:"peer"`
	Role       Role          `json:"role"`
	Status     Status        `json:"status"`
	Elapsed    time.Duration `json:"elapsed_ns,omitempty"`
	TotalBytes uint64        `json:"total_bytes,omitempty"`
}

// Throughput returns the measured rate in bytes per second.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.TotalBytes) / r.Elapsed.Seconds()
}

// Notifier receives exactly one Result per session.
type Notifier interface {
	Notify(Result)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Result)

// Notify calls f(r).
func (f NotifierFunc) Notify(r Result) { f(r) }
