package coordinator

// State is the lifecycle stage of an experiment
type State int

const (
	StateInit State = iota
	StatePublishInitial
	StateRoundLoop
	StateDone
	StateAborted
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePublishInitial:
		return "PUBLISH_INITIAL"
	case StateRoundLoop:
		return "ROUND_LOOP"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	case StateFinalizing:
		return "FINALIZING"
	default:
		return "UNKNOWN"
	}
}
