package session

// State is the lifecycle state of a SIP session.
type State int

const (
	StateInitial State = iota
	StateEarly
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateEarly:
		return "EARLY"
	case StateConfirmed:
		return "CONFIRMED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for _, st := range []State{StateInitial, StateEarly, StateConfirmed, StateTerminated} {
		if st.String() == s {
			return st, true
		}
	}
	return StateInitial, false
}

// transitions lists every permitted state change. EARLY may fall back to INITIAL when a
// UAC or proxy receives a non-2xx final response.
var transitions = map[State]map[State]bool{
	StateInitial:    {StateEarly: true, StateConfirmed: true, StateTerminated: true},
	StateEarly:      {StateInitial: true, StateConfirmed: true, StateTerminated: true},
	StateConfirmed:  {StateTerminated: true},
	StateTerminated: {},
}

func canTransition(from, to State) bool {
	return transitions[from][to]
}

// Role is the part the application plays in a session.
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
	RoleProxy
)

func (r Role) String() string {
	switch r {
	case RoleUAC:
		return "UAC"
	case RoleUAS:
		return "UAS"
	case RoleProxy:
		return "PROXY"
	default:
		return "UNKNOWN"
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, bool) {
	for _, r := range []Role{RoleUAC, RoleUAS, RoleProxy} {
		if r.String() == s {
			return r, true
		}
	}
	return RoleUAC, false
}
