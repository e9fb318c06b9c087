package authority

// State is the lifecycle of one in-flight mutation request.
type State uint8

const (
	StateNone State = iota
	Requested
	Committed
	Acknowledged
	// Dropped and Expired are terminal and never leave the process.
	Dropped
	Expired
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case Requested:
		return "REQUESTED"
	case Committed:
		return "COMMITTED"
	case Acknowledged:
		return "ACKNOWLEDGED"
	case Dropped:
		return "DROPPED"
	case Expired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

type Event uint8

const (
	EventSubmit Event = iota + 1
	EventCommit
	EventAck
	EventDrop
	EventExpire
)

func (e Event) String() string {
	switch e {
	case EventSubmit:
		return "SUBMIT"
	case EventCommit:
		return "COMMIT"
	case EventAck:
		return "ACK"
	case EventDrop:
		return "DROP"
	case EventExpire:
		return "EXPIRE"
	}
	return "UNKNOWN"
}

// Transition returns the next state, or false when e is not valid in s.
// Callers decide whether an invalid transition matters.
func Transition(s State, e Event) (State, bool) {
	switch s {
	case StateNone:
		if e == EventSubmit {
			return Requested, true
		}
	case Requested:
		switch e {
		case EventCommit:
			return Committed, true
		case EventDrop:
			return Dropped, true
		case EventExpire:
			return Expired, true
		}
	case Committed:
		switch e {
		case EventAck:
			return Acknowledged, true
		case EventExpire:
			return Expired, true
		}
	}
	return s, false
}

// inflight tracks one request by (origin, req id).
type inflight struct {
	state State
	since uint64 // tick of the last transition
	seq   uint64
}

type inflightKey struct {
	origin string
	reqID  string
}
