package connection

// State is the connection state of one device.
type State int

const (
	Unconfigured State = iota
	Initializing
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Initializing:
		return "initializing"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// StatusText projects a state and a capability verdict onto the label shown
// to operators. supported is ignored unless the state is Connected.
func StatusText(s State, supported bool) string {
	switch s {
	case Unconfigured:
		return "not configured"
	case Initializing:
		return "connecting"
	case Disconnected:
		return "disconnected"
	case Connected:
		if !supported {
			return "unsupported"
		}
		return "connected"
	}
	return "unknown"
}
