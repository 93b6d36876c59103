package domain

import "fmt"

// SessionState is the coordinator's view of the peer session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionNegotiating
	SessionConnected
	SessionFailed
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionNegotiating:
		return "negotiating"
	case SessionConnected:
		return "connected"
	case SessionFailed:
		return "failed"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionState mirrors the transport's ICE reachability state. The
// coordinator only reads it.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionChecking     ConnectionState = "checking"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionCompleted    ConnectionState = "completed"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

func ParseConnectionState(s string) (ConnectionState, error) {
	switch cs := ConnectionState(s); cs {
	case ConnectionNew, ConnectionChecking, ConnectionConnected, ConnectionCompleted,
		ConnectionDisconnected, ConnectionFailed, ConnectionClosed:
		return cs, nil
	default:
		return "", fmt.Errorf("unknown connection state %q", s)
	}
}

// Usable reports whether media can flow.
func (s ConnectionState) Usable() bool {
	return s == ConnectionConnected || s == ConnectionCompleted
}

// Lost reports whether reachability was lost or never established.
func (s ConnectionState) Lost() bool {
	return s == ConnectionDisconnected || s == ConnectionFailed
}

// StateChange is delivered to presentation whenever SessionState changes.
type StateChange struct {
	State     SessionState
	Transport ConnectionState
	Err       error
}
