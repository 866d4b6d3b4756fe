package track

import "time"

// ContextEvent is emitted by a platform context source whenever the active
// context changes (editor focus, window focus, browser tab).
type ContextEvent struct {
	ContextID  string // stable identifier of the focused context
	Scope      string // override scope, e.g. "git", "window", "page"
	SignalType string // learned-pattern signal type, e.g. "branch", "window"
	Text       string // raw signal: branch name, window title, page text
	At         time.Time
}

// ActivityKind enumerates idle/sleep/lock signals.
type ActivityKind int

const (
	IdleStart ActivityKind = iota
	IdleEnd
	SleepStart
	Wake
	Lock
	Unlock
)

func (k ActivityKind) String() string {
	switch k {
	case IdleStart:
		return "idle-start"
	case IdleEnd:
		return "idle-end"
	case SleepStart:
		return "sleep-start"
	case Wake:
		return "wake"
	case Lock:
		return "lock"
	case Unlock:
		return "unlock"
	default:
		return "unknown"
	}
}

// ActivityEvent is emitted by a platform activity source.
type ActivityEvent struct {
	Kind ActivityKind
	At   time.Time
}

// ContextSource delivers focus changes and answers the synchronous
// current-context query used when tracking resumes after a pause.
type ContextSource interface {
	Events() <-chan ContextEvent
	// Current returns the currently active context. It returns
	// ErrPermissionUnavailable while the required OS capability is missing.
	Current() (ContextEvent, error)
}

// ActivitySource delivers idle/sleep/lock events.
type ActivitySource interface {
	Events() <-chan ActivityEvent
	IdleSeconds() (int, error)
}
