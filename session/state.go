package session

// State is the lifecycle position of a session on this node, it only moves forward
type State int

const (
	NotStarted    State = iota // nothing is known about the session
	EarlyStart                 // network routing is up, the engine isn't running yet
	Validating                 // an authority task is running
	NonValidating              // observing the session without voting
	Stopped                    // terminal
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case EarlyStart:
		return "early start"
	case Validating:
		return "validating"
	case NonValidating:
		return "nonvalidating"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
