package remote

// State is the lifecycle position of a bridge.
type State int

const (
	StateIdle State = iota
	StateSpawning
	StateAwaitingOnline
	StateEstablishingChannel
	StateReady
	StateRelaying
	StateRestarting
	StateKilling
	StateTerminated
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateSpawning:            "spawning",
	StateAwaitingOnline:      "awaiting_online",
	StateEstablishingChannel: "establishing_channel",
	StateReady:               "ready",
	StateRelaying:            "relaying",
	StateRestarting:          "restarting",
	StateKilling:             "killing",
	StateTerminated:          "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// accepting reports whether sends in this state reach a worker now or later.
func (s State) accepting() bool {
	return s != StateKilling && s != StateTerminated
}

// canMove reports whether a bridge in s may move to next. Killing only leads
// to Terminated, and Terminated is final.
func (s State) canMove(next State) bool {
	switch s {
	case StateKilling:
		return next == StateTerminated
	case StateTerminated:
		return false
	}
	return true
}
