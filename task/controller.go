package task

import (
	"errors"

	"github.com/tliron/commonlog"

	"github.com/chazu/warren/db"
	"github.com/chazu/warren/vm"
)

// ---------------------------------------------------------------------------
// Slice execution
// ---------------------------------------------------------------------------

// Outcome is what a completed slice means for the scheduler.
type Outcome uint8

const (
	// OutcomeCompleted: the task finished and its writes committed.
	OutcomeCompleted Outcome = iota
	// OutcomeAborted: the task is over and its writes were discarded.
	OutcomeAborted
	// OutcomeRetry: the commit conflicted and the task should rerun
	// from its original entry frame.
	OutcomeRetry
	// OutcomeSuspendedTimer: park on the timer queue for Delay seconds.
	OutcomeSuspendedTimer
	// OutcomeSuspendedInput: park until the session delivers a line.
	OutcomeSuspendedInput
	// OutcomeSuspendedExternal: park until the offloaded call posts a
	// result.
	OutcomeSuspendedExternal
)

// RunResult reports one slice. Forks is non-empty only when the slice
// ended without aborting; fork requests from an aborted slice are
// discarded with the rest of the task's effects.
type RunResult struct {
	Outcome  Outcome
	Value    vm.Value
	Raise    *vm.Raise
	Delay    float64
	External *vm.ExternalCall
	Forks    []vm.ForkRequest
}

// Controller runs interpreter slices inside the task's transaction. One
// transaction spans the task's whole lifetime: it opens on the first
// slice, stays open across suspensions, and commits only when the task
// completes.
type Controller struct {
	Coord   *db.Coordinator
	Budgets Budgets
	Log     commonlog.Logger
}

func NewController(coord *db.Coordinator, budgets Budgets) *Controller {
	return &Controller{
		Coord:   coord,
		Budgets: budgets,
		Log:     commonlog.GetLogger("warren.task"),
	}
}

// RunSlice executes one budget's worth of the task. Budgets refresh at
// every slice, so a resumed task is indistinguishable from one that
// never suspended except for the fresh allowance.
func (c *Controller) RunSlice(t *Task) RunResult {
	snap := c.Coord.BeginOrResume(t.ID)
	t.Interp.Store = snap

	budget := c.sliceBudget(t)
	res := t.Interp.Run(&budget)

	switch res.Kind {
	case vm.StepDone:
		forks := t.Interp.TakeForks()
		if t.killed.Load() {
			c.Coord.Rollback(t.ID)
			return RunResult{Outcome: OutcomeAborted}
		}
		if err := c.Coord.Commit(t.ID); err != nil {
			if errors.Is(err, db.ErrConflict) {
				return c.conflicted(t, err)
			}
			c.Log.Errorf("task %s commit failed: %s", t.ID, err.Error())
			return RunResult{Outcome: OutcomeAborted, Raise: vm.NewRaise(vm.ErrQuota)}
		}
		return RunResult{Outcome: OutcomeCompleted, Value: res.Value, Forks: forks}

	case vm.StepAborted:
		c.Coord.Rollback(t.ID)
		t.Interp.TakeForks()
		return RunResult{Outcome: OutcomeAborted, Raise: res.Raise}

	case vm.StepTicksExhausted:
		return c.resourceAbort(t, "Task ran out of ticks")

	case vm.StepDeadlineExceeded:
		return c.resourceAbort(t, "Task ran out of seconds")

	case vm.StepSuspend:
		return RunResult{Outcome: OutcomeSuspendedTimer, Delay: res.Delay, Forks: t.Interp.TakeForks()}

	case vm.StepSuspendRead:
		return RunResult{Outcome: OutcomeSuspendedInput, Forks: t.Interp.TakeForks()}

	case vm.StepSuspendExternal:
		return RunResult{Outcome: OutcomeSuspendedExternal, External: res.External, Forks: t.Interp.TakeForks()}

	default:
		panic("task: unhandled step kind")
	}
}

// resourceAbort ends a task that exhausted its allowance. Guest code
// never gets to catch these: the interpreter has already stopped, so
// the error exists only in the abort report.
func (c *Controller) resourceAbort(t *Task, msg string) RunResult {
	c.Coord.Rollback(t.ID)
	t.Interp.TakeForks()
	r := vm.RaiseWith(vm.ErrQuota, msg)
	r.Traceback = t.Interp.Traceback()
	return RunResult{Outcome: OutcomeAborted, Raise: r}
}

// conflicted decides between rerunning a task whose commit lost a
// write-write race and giving up on it. A rerun restarts from the
// task's recorded entry frames against a fresh snapshot.
func (c *Controller) conflicted(t *Task, err error) RunResult {
	if t.retries < c.Budgets.RetryLimit && len(t.entry) > 0 {
		frames, derr := vm.UnmarshalFrames(t.entry)
		if derr == nil {
			t.retries++
			t.Interp.Frames = frames
			c.Log.Infof("task %s conflicted, retry %d: %s", t.ID, t.retries, err.Error())
			return RunResult{Outcome: OutcomeRetry}
		}
	}
	c.Log.Errorf("task %s conflicted past retry limit: %s", t.ID, err.Error())
	r := vm.RaiseWith(vm.ErrQuota, "Task aborted by a conflicting update")
	return RunResult{Outcome: OutcomeAborted, Raise: r}
}

func (c *Controller) sliceBudget(t *Task) vm.Budget {
	b := vm.Budget{Ticks: c.Budgets.BgTicks}
	window := c.Budgets.BgSeconds
	if t.Foreground {
		b.Ticks = c.Budgets.FgTicks
		window = c.Budgets.FgSeconds
	}
	if window > 0 {
		b.Deadline = t.Interp.Now().Add(window)
	}
	return b
}
