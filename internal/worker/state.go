package worker

// State is the Worker's position in its consume cycle.
type State int32

// Worker states.
const (
	StateIdle State = iota
	StateConsuming
	StateTransforming
	StateBuffering
	StateFlushing
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConsuming:
		return "consuming"
	case StateTransforming:
		return "transforming"
	case StateBuffering:
		return "buffering"
	case StateFlushing:
		return "flushing"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
