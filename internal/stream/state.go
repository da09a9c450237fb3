package stream

// State is the connection state of the aggregator Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateError
)

var stateNames = [...]string{"idle", "connecting", "open", "closing", "closed", "error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Active reports whether a transport is being established or is in use.
func (s State) Active() bool {
	return s == StateConnecting || s == StateOpen
}
