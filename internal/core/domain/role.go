package domain

import (
	"fmt"
	"strings"
)

// Role selects which side of the exchange a process plays. It is fixed for
// the lifetime of the process.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", ErrMissingRole
	case RoleBroadcaster:
		return RoleBroadcaster, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidRole, s, RoleBroadcaster, RoleViewer)
	}
}

func (r Role) Valid() bool {
	return r == RoleBroadcaster || r == RoleViewer
}

func (r Role) String() string {
	return string(r)
}

// Label is the bracketed prefix used in diagnostic narration.
func (r Role) Label() string {
	switch r {
	case RoleBroadcaster:
		return "[Broadcaster]"
	case RoleViewer:
		return "[Viewer]"
	default:
		return "[Unknown]"
	}
}
