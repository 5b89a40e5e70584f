package link

// State is the lifecycle state of the radio link.
type State int

const (
	PoweredOff State = iota
	Idle
	Scanning
	Connecting
	Discovering
	Connected
	Reconnecting
	Disconnected
)

var stateNames = [...]string{
	PoweredOff:   "PoweredOff",
	Idle:         "Idle",
	Scanning:     "Scanning",
	Connecting:   "Connecting",
	Discovering:  "Discovering",
	Connected:    "Connected",
	Reconnecting: "Reconnecting",
	Disconnected: "Disconnected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}
