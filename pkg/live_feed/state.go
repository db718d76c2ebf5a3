package live_feed

// State of the live feed connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// ReconnectPending is disconnected state with reconnect timer armed.
	ReconnectPending
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ReconnectPending:
		return "reconnect_pending"
	}
	return "unknown"
}

// MarshalText allows to use the State directly in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
