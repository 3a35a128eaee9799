package drain

// State is the drain loop state of one track.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateStallWait
	StateForwarding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateStallWait:
		return "stall-wait"
	case StateForwarding:
		return "forwarding"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
