package link

import (
	"fmt"
	"time"
)

type State int

// Declaration order is significant: states from ConnectedPending onward have a live link.
const (
	Idle State = iota
	Scanning
	RescanTarget
	ConnectAttempt
	ConnectCooldown
	ConnectedPending
	Securing
	SecuritySettle
	Discovering
	Subscribing
	Ready
)

var stateNames = [...]string{
	Idle:             "IDLE",
	Scanning:         "SCANNING",
	RescanTarget:     "RESCAN_TARGET",
	ConnectAttempt:   "CONNECT_ATTEMPT",
	ConnectCooldown:  "CONNECT_COOLDOWN",
	ConnectedPending: "CONNECTED_PENDING",
	Securing:         "SECURING",
	SecuritySettle:   "SECURITY_SETTLE",
	Discovering:      "DISCOVERING",
	Subscribing:      "SUBSCRIBING",
	Ready:            "READY",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// LinkUp reports whether a connection exists in this state.
func (s State) LinkUp() bool { return s >= ConnectedPending }

// Context is the mutable lifecycle record owned by a Machine.
type Context struct {
	State              State     `json:"state"`
	StateTimer         time.Time `json:"state_timer"`
	RetryCount         int       `json:"retry_count"`
	SecurityInProgress bool      `json:"security_in_progress"`
	LastSecurity       time.Time `json:"last_security"`
}
