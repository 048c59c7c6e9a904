package peer

// State is the negotiation state of one peer session.
type State int

const (
	Idle State = iota
	Offering
	Answering
	AwaitingAnswer
	NegotiatingICE
	Connected
	Closed
	Failed
)

var stateNames = [...]string{
	Idle:           "idle",
	Offering:       "offering",
	Answering:      "answering",
	AwaitingAnswer: "awaiting-answer",
	NegotiatingICE: "negotiating-ice",
	Connected:      "connected",
	Closed:         "closed",
	Failed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Closed || s == Failed }

// Active reports whether a negotiation is in progress or established.
func (s State) Active() bool { return s != Idle && !s.Terminal() }

// rank orders states along the negotiation; transitions never go backwards.
func (s State) rank() int {
	switch s {
	case Idle:
		return 0
	case Offering, Answering:
		return 1
	case AwaitingAnswer:
		return 2
	case NegotiatingICE:
		return 3
	case Connected:
		return 4
	default:
		return 5
	}
}

// canMove reports whether from -> to is a forward transition.
func canMove(from, to State) bool {
	if from.Terminal() || from == to {
		return false
	}
	return to.rank() > from.rank()
}
