package session

import "github.com/pkg/errors"

// State is the connection state of a session.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Error
)

var stateNames = map[State]string{
	Idle:       "IDLE",
	Connecting: "CONNECTING",
	Connected:  "CONNECTED",
	Error:      "ERROR",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrAlreadyConnected = errors.New("session already connected")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrNoProfile        = errors.New("no active server profile")
)
