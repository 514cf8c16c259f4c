package comments

import (
	"strings"
	"time"

	"ytenhancer/internal/module"
)

type State int

const (
	Waiting State = iota
	Active
	Failed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	// Attempt is a poll for the comments container.
	Attempt EventKind = iota
	// ActivateFailed means the watch could not be installed.
	ActivateFailed
)

// Event carries what an attempt observed on the page.
type Event struct {
	Kind      EventKind
	Retries   int
	Path      string
	Container bool
}

type Action int

const (
	None Action = iota
	ScheduleRetry
	Activate
)

// Step is the outcome of one transition.
type Step struct {
	Next    State
	Retries int
	Action  Action
	Delay   time.Duration
	Reason  string
}

// Transition is the pure core of the init sequence. Failed is terminal and
// Active only leaves on ActivateFailed.
func Transition(s State, ev Event, cfg Config) Step {
	switch s {
	case Waiting:
		if ev.Kind != Attempt {
			return Step{Next: Waiting, Retries: ev.Retries}
		}
		if ev.Retries >= cfg.MaxRetries {
			return Step{Next: Failed, Retries: ev.Retries, Reason: "container not found"}
		}
		if !strings.HasPrefix(ev.Path, "/watch") {
			return Step{Next: Failed, Retries: ev.Retries, Reason: "not a watch page"}
		}
		if !ev.Container {
			return Step{
				Next:    Waiting,
				Retries: ev.Retries + 1,
				Action:  ScheduleRetry,
				Delay:   module.Millis(cfg.InitialDelay),
			}
		}
		return Step{Next: Active, Retries: ev.Retries, Action: Activate}
	case Active:
		if ev.Kind == ActivateFailed {
			return Step{Next: Failed, Retries: ev.Retries, Reason: "comment sections not found"}
		}
		return Step{Next: Active, Retries: ev.Retries}
	default:
		return Step{Next: s, Retries: ev.Retries}
	}
}
