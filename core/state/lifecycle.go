// Package state provides the one-shot lifecycle shared by objects that may be
// started or finalised at most once, such as analysis runners and model builders.
package state

import (
	"sync/atomic"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// Phase is a lifecycle phase.
type Phase int32

const (
	Created Phase = iota
	Active
	Completed
)

func (p Phase) String() string {
	switch p {
	case Created:
		return "created"
	case Active:
		return "active"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Lifecycle moves Created → Active → Completed and never backwards. It is safe
// for concurrent use.
type Lifecycle struct {
	phase atomic.Int32
	owner string
}

// New returns a Lifecycle in the Created phase. owner names the object in errors.
func New(owner string) *Lifecycle {
	return &Lifecycle{owner: owner}
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	return Phase(l.phase.Load())
}

// Start moves Created to Active. It reports false if the lifecycle had already
// left Created.
func (l *Lifecycle) Start() bool {
	return l.phase.CompareAndSwap(int32(Created), int32(Active))
}

// Complete moves to Completed. It reports false if already Completed.
func (l *Lifecycle) Complete() bool {
	for {
		current := l.phase.Load()
		if Phase(current) == Completed {
			return false
		}
		if l.phase.CompareAndSwap(current, int32(Completed)) {
			return true
		}
	}
}

// RequireOpen returns a BuilderMisuseError naming method once Completed.
func (l *Lifecycle) RequireOpen(method string) error {
	if l.Phase() == Completed {
		return errors.NewBuilderMisuseError(l.owner, method)
	}
	return nil
}
