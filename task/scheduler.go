package task

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/warren/db"
	"github.com/chazu/warren/vm"
)

// ---------------------------------------------------------------------------
// Timer queue
// ---------------------------------------------------------------------------

type timerHeap []*Task

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].ResumeAt.Before(h[j].ResumeAt) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)        { *h = append(*h, x.(*Task)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Scheduler owns every live task and runs them one slice at a time.
// Slices execute outside the scheduler lock, so builtins that reach
// back in (queued_tasks, kill_task) see a consistent queue without
// deadlocking; at most one slice runs at a time.
type Scheduler struct {
	ctrl     *Controller
	builtins *vm.Registry
	budgets  Budgets
	log      commonlog.Logger

	// Notify delivers output text to a player's sessions.
	Notify func(player vm.ObjID, text string)

	// Offload runs an external call off the scheduler thread. The
	// default spawns a goroutine; the server installs its worker pool.
	Offload func(fn func())

	// Persist, when set, keeps parked continuations durable.
	Persist *db.Persistence

	now func() time.Time

	mu       sync.Mutex
	runnable []*Task
	timers   timerHeap
	reading  map[string]*Task // session id → task blocked in read()
	external map[string]*Task // task id → task parked on a worker
	tasks    map[string]*Task // every live task by id
	bgCount  map[vm.ObjID]int
	running  *Task
}

// NewScheduler creates an idle scheduler over one world coordinator.
func NewScheduler(coord *db.Coordinator, builtins *vm.Registry, budgets Budgets) *Scheduler {
	s := &Scheduler{
		ctrl:     NewController(coord, budgets),
		builtins: builtins,
		budgets:  budgets,
		log:      commonlog.GetLogger("warren.scheduler"),
		Notify:   func(vm.ObjID, string) {},
		now:      time.Now,
		reading:  make(map[string]*Task),
		external: make(map[string]*Task),
		tasks:    make(map[string]*Task),
		bgCount:  make(map[vm.ObjID]int),
	}
	s.Offload = func(fn func()) { go fn() }
	return s
}

// Coordinator returns the transaction coordinator tasks run against.
func (s *Scheduler) Coordinator() *db.Coordinator { return s.ctrl.Coord }

// atCap reports whether owner has reached the background cap. Caller
// holds the lock.
func (s *Scheduler) atCap(owner vm.ObjID) bool {
	return s.budgets.BgQuota > 0 && s.bgCount[owner] >= s.budgets.BgQuota
}

// charge counts a task against its owner's background quota. Idempotent;
// caller holds the lock.
func (s *Scheduler) charge(t *Task) {
	if !t.charged {
		t.charged = true
		s.bgCount[t.Owner]++
	}
}

// release undoes charge. Idempotent; caller holds the lock.
func (s *Scheduler) release(t *Task) {
	if t.charged {
		t.charged = false
		if s.bgCount[t.Owner]--; s.bgCount[t.Owner] <= 0 {
			delete(s.bgCount, t.Owner)
		}
	}
}

// newInterpreter builds a task interpreter wired into this scheduler.
func (s *Scheduler) newInterpreter(id string) *vm.Interpreter {
	in := vm.NewInterpreter(nil, s.builtins, s.budgets.MaxDepth)
	in.TaskID = id
	in.Tasks = s
	in.Notify = func(player vm.ObjID, text string) { s.Notify(player, text) }
	in.NewTaskID = uuid.NewString
	in.Now = s.now
	return in
}

// SubmitTask queues a foreground command task with an explicit
// activation, for callers that have already resolved the verb.
func (s *Scheduler) SubmitTask(session string, owner vm.ObjID, p *vm.Program, act vm.Activation) string {
	id := uuid.NewString()
	in := s.newInterpreter(id)
	in.PushCall(p, act)
	t := &Task{
		ID:         id,
		Kind:       KindCommand,
		Owner:      owner,
		Session:    session,
		Verb:       act.Verb,
		Interp:     in,
		Started:    s.now(),
		Status:     StatusQueued,
		Foreground: true,
	}
	if err := t.RecordEntry(); err != nil {
		s.log.Errorf("task %s: %s", id, err.Error())
	}
	s.mu.Lock()
	s.tasks[id] = t
	s.runnable = append(s.runnable, t)
	s.mu.Unlock()
	return id
}

// SubmitCommand queues a foreground task for a player command. The
// program's main stream runs with the player as both permissions and
// the value of "player".
func (s *Scheduler) SubmitCommand(session string, player, this vm.ObjID, p *vm.Program, verb string, args vm.List) string {
	return s.SubmitTask(session, player, p, vm.Activation{
		Player:     player,
		This:       this,
		Caller:     player,
		Programmer: player,
		Definer:    this,
		Verb:       verb,
		Args:       args,
		Catchable:  true,
	})
}

// SubmitServer queues a background task owned by the server, used for
// startup hooks and housekeeping verbs.
func (s *Scheduler) SubmitServer(owner vm.ObjID, p *vm.Program, verb string, args vm.List) string {
	id := uuid.NewString()
	in := s.newInterpreter(id)
	in.PushCall(p, vm.Activation{
		Player:     owner,
		This:       owner,
		Caller:     owner,
		Programmer: owner,
		Definer:    owner,
		Verb:       verb,
		Args:       args,
		Catchable:  true,
	})
	t := &Task{
		ID:      id,
		Kind:    KindServer,
		Owner:   owner,
		Verb:    verb,
		Interp:  in,
		Started: s.now(),
		Status:  StatusQueued,
	}
	if err := t.RecordEntry(); err != nil {
		s.log.Errorf("task %s: %s", id, err.Error())
	}
	s.mu.Lock()
	s.tasks[id] = t
	s.runnable = append(s.runnable, t)
	s.mu.Unlock()
	return id
}

// PushInput hands a line to the task reading on a session. Returns
// false when no task is waiting there, in which case the caller should
// treat the line as a fresh command.
func (s *Scheduler) PushInput(session, line string) bool {
	s.mu.Lock()
	t, ok := s.reading[session]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.reading, session)
	t.Interp.Resume(vm.Str(line))
	t.Status = StatusQueued
	t.Foreground = true
	s.runnable = append(s.runnable, t)
	s.mu.Unlock()
	return true
}

// SessionClosed reaps the session's reading task, if any. The task
// resumes with E_INTRPT raised at the read() call site.
func (s *Scheduler) SessionClosed(session string) {
	s.mu.Lock()
	t, ok := s.reading[session]
	if ok {
		delete(s.reading, session)
		t.Interp.ResumeRaise(vm.NewRaise(vm.ErrInterrupt))
		t.Status = StatusQueued
		t.Session = ""
		s.runnable = append(s.runnable, t)
	}
	s.mu.Unlock()
}

// PostExternal delivers an offloaded call's result and requeues the
// task. Results for tasks killed while parked are dropped.
func (s *Scheduler) PostExternal(taskID string, res vm.BuiltinResult) {
	s.mu.Lock()
	t, ok := s.external[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.external, taskID)
	switch res.Kind {
	case vm.BuiltinRaise:
		t.Interp.ResumeRaise(res.Raise)
	default:
		t.Interp.Resume(res.Value)
	}
	t.Status = StatusQueued
	s.runnable = append(s.runnable, t)
	s.mu.Unlock()
}

// Tick fires due timers and runs every runnable task for one slice.
// Returns the number of slices executed.
func (s *Scheduler) Tick() int {
	now := s.now()
	s.mu.Lock()
	for len(s.timers) > 0 && !s.timers[0].ResumeAt.After(now) {
		t := heap.Pop(&s.timers).(*Task)
		if t.Status != StatusSuspended {
			continue
		}
		// A delayed fork waiting for its first slice is not parked at a
		// suspend() call, so there is nothing to resume.
		if !t.fresh {
			t.Interp.Resume(vm.Int(0))
		}
		t.fresh = false
		// Forked tasks stay charged for life; others only while parked.
		if t.Kind != KindForked {
			s.release(t)
		}
		t.Status = StatusQueued
		t.Foreground = false
		s.runnable = append(s.runnable, t)
	}
	s.mu.Unlock()

	ran := 0
	for {
		s.mu.Lock()
		if len(s.runnable) == 0 {
			s.mu.Unlock()
			return ran
		}
		t := s.runnable[0]
		copy(s.runnable, s.runnable[1:])
		s.runnable = s.runnable[:len(s.runnable)-1]
		t.Status = StatusRunning
		s.running = t
		s.mu.Unlock()

		res := s.ctrl.RunSlice(t)
		ran++

		s.mu.Lock()
		s.running = nil
		s.settle(t, res)
		s.mu.Unlock()
	}
}

// NextWake reports when the earliest timer fires; ok is false when the
// timer queue is empty.
func (s *Scheduler) NextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return time.Time{}, false
	}
	return s.timers[0].ResumeAt, true
}

// Idle reports whether nothing is runnable right now.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runnable) == 0
}

// Run drives Tick until the context ends, sleeping between rounds.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.Tick()
		pause := 50 * time.Millisecond
		if wake, ok := s.NextWake(); ok {
			if until := wake.Sub(s.now()); until < pause {
				pause = until
			}
		}
		if pause < time.Millisecond {
			pause = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// settle applies one slice's outcome to the queues. Caller holds the
// lock.
func (s *Scheduler) settle(t *Task, res RunResult) {
	if t.killed.Load() {
		s.ctrl.Coord.Rollback(t.ID)
		s.discard(t)
		return
	}

	switch res.Outcome {
	case OutcomeCompleted:
		s.discard(t)
		s.spawnForks(res.Forks)

	case OutcomeAborted:
		if res.Raise != nil {
			s.reportAbort(t, res.Raise)
		}
		s.discard(t)

	case OutcomeRetry:
		t.Status = StatusQueued
		s.runnable = append(s.runnable, t)

	case OutcomeSuspendedTimer:
		// A timer park makes the task a background task; past the
		// owner's cap it resumes with E_QUOTA at the suspend site
		// instead of parking.
		if !t.charged && s.atCap(t.Owner) {
			t.Interp.ResumeRaise(vm.NewRaise(vm.ErrQuota))
			t.Status = StatusQueued
			s.runnable = append(s.runnable, t)
			s.spawnForks(res.Forks)
			return
		}
		s.charge(t)
		t.Status = StatusSuspended
		t.ResumeAt = s.now().Add(time.Duration(res.Delay * float64(time.Second)))
		heap.Push(&s.timers, t)
		s.spawnForks(res.Forks)
		s.persistTask(t)

	case OutcomeSuspendedInput:
		if t.Session == "" {
			t.Interp.ResumeRaise(vm.NewRaise(vm.ErrInterrupt))
			t.Status = StatusQueued
			s.runnable = append(s.runnable, t)
			return
		}
		t.Status = StatusReading
		s.reading[t.Session] = t
		s.spawnForks(res.Forks)
		s.persistTask(t)

	case OutcomeSuspendedExternal:
		t.Status = StatusExternal
		s.external[t.ID] = t
		s.spawnForks(res.Forks)
		call := res.External
		id := t.ID
		s.Offload(func() {
			s.PostExternal(id, call.Run())
		})
	}
}

// spawnForks turns fork requests into queued background tasks. Caller
// holds the lock.
func (s *Scheduler) spawnForks(reqs []vm.ForkRequest) {
	for _, req := range reqs {
		owner := req.Frame.Programmer
		// OpFork raises E_QUOTA synchronously at the cap; this guards
		// the window between that check and the slice end, when other
		// forks from the same slice may have filled the remaining room.
		if s.atCap(owner) {
			s.log.Warningf("fork by #%d refused: background quota reached", owner)
			s.Notify(req.Frame.Player, "Fork failed: E_QUOTA (Resource limit exceeded)")
			continue
		}
		in := s.newInterpreter(req.TaskID)
		in.PushForkFrame(req.Frame)
		t := &Task{
			ID:      req.TaskID,
			Kind:    KindForked,
			Owner:   owner,
			Verb:    req.Frame.Verb,
			Interp:  in,
			Started: s.now(),
		}
		if err := t.RecordEntry(); err != nil {
			s.log.Errorf("task %s: %s", t.ID, err.Error())
		}
		s.tasks[t.ID] = t
		s.charge(t)
		if req.Delay > 0 {
			t.Status = StatusSuspended
			t.fresh = true
			t.ResumeAt = s.now().Add(time.Duration(req.Delay * float64(time.Second)))
			heap.Push(&s.timers, t)
			s.persistTask(t)
		} else {
			t.Status = StatusQueued
			s.runnable = append(s.runnable, t)
		}
	}
}

// discard removes a finished task. Caller holds the lock.
func (s *Scheduler) discard(t *Task) {
	t.Status = StatusDead
	delete(s.tasks, t.ID)
	s.release(t)
	if s.Persist != nil {
		if err := s.Persist.DeleteTask(t.ID); err != nil {
			s.log.Errorf("task %s: dropping persisted row: %s", t.ID, err.Error())
		}
	}
}

// reportAbort sends the traceback to the owning player and the log.
// Caller holds the lock.
func (s *Scheduler) reportAbort(t *Task, r *vm.Raise) {
	s.log.Infof("task %s aborted: %s", t.ID, r.Message)
	s.Notify(t.Owner, fmt.Sprintf("%s: %s", r.Code.Name(), r.Message))
	for _, line := range r.Traceback {
		s.Notify(t.Owner, fmt.Sprintf("... in %s (line %d)", line.Verb, line.Line))
	}
}

func (s *Scheduler) persistTask(t *Task) {
	if s.Persist == nil {
		return
	}
	row, err := t.Capture()
	if err != nil {
		s.log.Errorf("%s", err.Error())
		return
	}
	if s.ctrl.Coord.Open(t.ID) {
		overlay, err := s.ctrl.Coord.CaptureOverlay(t.ID)
		if err != nil {
			s.log.Errorf("task %s: capturing overlay: %s", t.ID, err.Error())
			return
		}
		row.Overlay = overlay
	}
	if err := s.Persist.SaveTask(row); err != nil {
		s.log.Errorf("task %s: persisting: %s", t.ID, err.Error())
	}
}

// RestoreTasks requeues persisted continuations after a restart. Timer
// waits keep their wakeup; input and external waits resume immediately
// with E_INTRPT, since neither the session nor the in-flight call
// survived.
func (s *Scheduler) RestoreTasks(rows []*db.SuspendedTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		t, err := Restore(row, s.builtins, s.budgets)
		if err != nil {
			s.log.Errorf("%s", err.Error())
			continue
		}
		t.Interp.Tasks = s
		t.Interp.Notify = func(player vm.ObjID, text string) { s.Notify(player, text) }
		t.Interp.NewTaskID = uuid.NewString
		t.Interp.Now = s.now
		if len(row.Overlay) > 0 {
			if err := s.ctrl.Coord.RestoreOverlay(t.ID, row.Overlay); err != nil {
				s.log.Errorf("%s", err.Error())
				continue
			}
		}
		s.tasks[t.ID] = t
		if t.Kind == KindForked || t.Status == StatusSuspended {
			s.charge(t)
		}
		if t.Status == StatusSuspended {
			heap.Push(&s.timers, t)
		} else {
			t.Interp.ResumeRaise(vm.NewRaise(vm.ErrInterrupt))
			t.Status = StatusQueued
			s.runnable = append(s.runnable, t)
		}
	}
}

// ---------------------------------------------------------------------------
// vm.TaskControl
// ---------------------------------------------------------------------------

// Queued lists the caller's live tasks, every task for wizards. The
// running task itself is included.
func (s *Scheduler) Queued(owner vm.ObjID, wizard bool) []vm.TaskSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vm.TaskSummary, 0, len(s.tasks))
	for _, t := range s.tasks {
		if wizard || t.Owner == owner {
			out = append(out, t.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AtQuota reports whether owner is at the background cap, so fork can
// refuse with E_QUOTA before scheduling anything.
func (s *Scheduler) AtQuota(owner vm.ObjID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atCap(owner)
}

// Kill removes a task. Killing the running task marks it for discard at
// the end of its current slice; its writes are rolled back.
func (s *Scheduler) Kill(id string, owner vm.ObjID, wizard bool) vm.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return vm.ErrInvArg
	}
	if !wizard && t.Owner != owner {
		return vm.ErrPerm
	}
	if t == s.running {
		t.killed.Store(true)
		return vm.ErrNone
	}
	switch t.Status {
	case StatusQueued:
		for i, q := range s.runnable {
			if q == t {
				s.runnable = append(s.runnable[:i], s.runnable[i+1:]...)
				break
			}
		}
	case StatusSuspended:
		for i, q := range s.timers {
			if q == t {
				heap.Remove(&s.timers, i)
				break
			}
		}
	case StatusReading:
		delete(s.reading, t.Session)
	case StatusExternal:
		delete(s.external, t.ID)
	}
	s.ctrl.Coord.Rollback(t.ID)
	s.discard(t)
	return vm.ErrNone
}
