package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventStarted   EventType = iota // exam began
	EventWarning                    // non-terminating advisory (voice, connectivity)
	EventViolation                  // confirmed violation, session terminated
	EventEnded                      // session reached a terminal state
)

var eventNames = map[EventType]string{
	EventStarted:   "started",
	EventWarning:   "warning",
	EventViolation: "violation",
	EventEnded:     "ended",
}

func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// Event carries a session snapshot to observers.
type Event struct {
	Type   EventType
	State  *ExamSession // snapshot (safe to retain)
	Detail string       // cause or warning text, if any
}
