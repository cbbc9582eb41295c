package model

import (
	"fmt"
	"strings"
)

// State is a driver or network lifecycle state. Values match the
// numbering used by the library's Python tooling.
type State int

const (
	StateStopped  State = 0
	StateFailed   State = 1
	StateResetted State = 3
	StateStarted  State = 5
	StateAwaked   State = 7
	StateReady    State = 10
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	case StateResetted:
		return "Resetted"
	case StateStarted:
		return "Started"
	case StateAwaked:
		return "Awaked"
	case StateReady:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stopped":
		return StateStopped, nil
	case "failed":
		return StateFailed, nil
	case "resetted", "reset":
		return StateResetted, nil
	case "started":
		return StateStarted, nil
	case "awaked", "awake":
		return StateAwaked, nil
	case "ready":
		return StateReady, nil
	default:
		return 0, fmt.Errorf("unknown state: %q", s)
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// NodeRecord is the per-node attribute record kept by the reconciler.
// Records are never deleted; NodeRemoved only sets Removed.
type NodeRecord struct {
	ID            uint8            `json:"id" yaml:"id"`
	Added         bool             `json:"added" yaml:"added"`
	Named         bool             `json:"named" yaml:"named"`
	Removed       bool             `json:"removed" yaml:"removed"`
	LastType      NotificationType `json:"last_type" yaml:"last_type"`
	Notifications int              `json:"notifications" yaml:"notifications"`
}

// StateSnapshot is a point-in-time copy of the reconciled harness state.
type StateSnapshot struct {
	DriverState   State                    `json:"driver_state" yaml:"driver_state"`
	NetworkState  State                    `json:"network_state" yaml:"network_state"`
	DriverReady   bool                     `json:"driver_ready" yaml:"driver_ready"`
	DriverFailed  bool                     `json:"driver_failed" yaml:"driver_failed"`
	DriverReset   bool                     `json:"driver_reset" yaml:"driver_reset"`
	DriverRemoved bool                     `json:"driver_removed" yaml:"driver_removed"`
	NetworkReady  bool                     `json:"network_ready" yaml:"network_ready"`
	NetworkAwake  bool                     `json:"network_awake" yaml:"network_awake"`
	HomeID        uint32                   `json:"home_id" yaml:"home_id"`
	HomeIDSet     bool                     `json:"home_id_set" yaml:"home_id_set"`
	Nodes         []NodeRecord             `json:"nodes" yaml:"nodes"`
	Counts        map[NotificationType]int `json:"counts,omitempty" yaml:"counts,omitempty"`
	Unknown       int                      `json:"unknown" yaml:"unknown"`
	LastType      *NotificationType        `json:"last_type,omitempty" yaml:"last_type,omitempty"`
}
