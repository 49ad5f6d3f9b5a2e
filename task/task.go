package task

import (
	"sync/atomic"
	"time"

	"github.com/chazu/warren/vm"
)

// ---------------------------------------------------------------------------
// Task records
// ---------------------------------------------------------------------------

// Kind classifies how a task came to exist.
type Kind uint8

const (
	// KindCommand is a task started by a player command or eval.
	KindCommand Kind = iota
	// KindForked is a task created by a fork statement.
	KindForked
	// KindServer is a task the server itself started.
	KindServer
)

var kindNames = [...]string{
	KindCommand: "command",
	KindForked:  "forked",
	KindServer:  "server",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// KindFromString maps a persisted kind name back; unknown names come
// back as KindServer.
func KindFromString(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return Kind(k)
		}
	}
	return KindServer
}

// Status is a task's position in the scheduler.
type Status uint8

const (
	StatusQueued Status = iota
	StatusRunning
	StatusSuspended // timer queue
	StatusReading   // input wait
	StatusExternal  // worker wait
	StatusDead
)

var statusNames = [...]string{
	StatusQueued:    "queued",
	StatusRunning:   "running",
	StatusSuspended: "suspended",
	StatusReading:   "reading",
	StatusExternal:  "external",
	StatusDead:      "dead",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// Budgets carries the resource policy a scheduler enforces. Foreground
// budgets apply to command tasks and tasks resumed by input; background
// budgets to forked tasks, timer resumptions, and server tasks.
type Budgets struct {
	FgTicks    int
	FgSeconds  time.Duration
	BgTicks    int
	BgSeconds  time.Duration
	MaxDepth   int
	BgQuota    int // per-owner cap on live background tasks
	RetryLimit int // commit-conflict retries before the abort stands
}

// Task is one unit of guest execution owned by the scheduler. The
// interpreter field holds the complete execution state; everything else
// is scheduling metadata.
type Task struct {
	ID      string
	Kind    Kind
	Owner   vm.ObjID
	Session string // originating session; empty for background tasks
	Verb    string

	Interp  *vm.Interpreter
	Started time.Time
	Status  Status

	// Foreground tracks the current budget class: true for command
	// tasks and input resumptions, false for forked tasks and timer
	// resumptions.
	Foreground bool

	// ResumeAt orders the timer queue while Status is StatusSuspended.
	ResumeAt time.Time

	// killed marks a running task for discard at slice end; kills of a
	// running task never interrupt an opcode. Atomic because another
	// task's kill_task can land while this one's slice is running.
	killed atomic.Bool

	// fresh marks a delayed fork that has not run its first slice yet,
	// so its wakeup must not push a resume value.
	fresh bool

	// charged marks the task as counted against its owner's background
	// quota: forked tasks for their whole life, other tasks while timer
	// suspended. Guarded by the scheduler lock.
	charged bool

	// retries counts commit-conflict reruns already consumed.
	retries int

	// entry holds the serialized entry frames for conflict reruns.
	entry []byte
}

// Summary renders the introspection record guest code sees.
func (t *Task) Summary() vm.TaskSummary {
	s := vm.TaskSummary{
		ID:      t.ID,
		Owner:   t.Owner,
		Kind:    t.Kind.String(),
		Started: t.Started,
	}
	if len(t.Interp.Frames) > 0 {
		top := t.Interp.Frames[len(t.Interp.Frames)-1]
		s.Verb = top.Verb
		s.Line = top.Line()
		s.Chain = t.Interp.Traceback()
	}
	return s
}
