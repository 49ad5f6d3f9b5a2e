package task

import (
	"fmt"
	"time"

	"github.com/chazu/warren/db"
	"github.com/chazu/warren/vm"
)

// ---------------------------------------------------------------------------
// Continuations
// ---------------------------------------------------------------------------

// RecordEntry snapshots the task's current frames so a commit conflict
// can rerun it from the beginning. Call once, right after the entry
// frame is pushed and before the first slice.
func (t *Task) RecordEntry() error {
	data, err := vm.MarshalFrames(t.Interp.Frames)
	if err != nil {
		return fmt.Errorf("task: recording entry for %s: %w", t.ID, err)
	}
	t.entry = data
	return nil
}

// Capture serializes a parked task for the durable store. The row holds
// the frames and the metadata to requeue the task after a restart; the
// scheduler adds the transaction overlay before saving so the task's
// tentative writes survive too.
func (t *Task) Capture() (*db.SuspendedTask, error) {
	data, err := vm.MarshalFrames(t.Interp.Frames)
	if err != nil {
		return nil, fmt.Errorf("task: capturing %s: %w", t.ID, err)
	}
	row := &db.SuspendedTask{
		ID:     t.ID,
		Kind:   t.Kind.String(),
		Owner:  t.Owner,
		Fresh:  t.fresh,
		Frames: data,
	}
	if t.Status == StatusSuspended {
		row.ResumeAt = t.ResumeAt.UnixNano()
	}
	return row, nil
}

// Restore rebuilds a task from a persisted row. The interpreter comes
// back with the store unset; the controller binds the task's snapshot
// on the next slice. A timer row keeps its wakeup; input and external
// rows become immediately runnable, since neither the session nor the
// in-flight call survived the restart.
func Restore(row *db.SuspendedTask, builtins *vm.Registry, budgets Budgets) (*Task, error) {
	frames, err := vm.UnmarshalFrames(row.Frames)
	if err != nil {
		return nil, fmt.Errorf("task: restoring %s: %w", row.ID, err)
	}
	in := vm.NewInterpreter(nil, builtins, budgets.MaxDepth)
	in.Frames = frames
	in.TaskID = row.ID

	t := &Task{
		ID:      row.ID,
		Kind:    KindFromString(row.Kind),
		Owner:   row.Owner,
		Interp:  in,
		Started: time.Now(),
		Status:  StatusQueued,
		fresh:   row.Fresh,
	}
	if row.ResumeAt > 0 {
		t.Status = StatusSuspended
		t.ResumeAt = time.Unix(0, row.ResumeAt)
	}
	return t, nil
}
