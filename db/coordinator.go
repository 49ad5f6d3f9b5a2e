package db

import (
	"errors"
	"fmt"
	"sync"
)

// ErrConflict reports a write-write conflict at commit: another task
// committed to an object this one also wrote.
var ErrConflict = errors.New("db: write conflict")

// Coordinator hands out snapshots keyed by task identifier and applies
// or discards their overlays. One transaction spans a task's whole
// lifetime across suspensions: the snapshot begun on first slice is the
// one committed when the task completes.
type Coordinator struct {
	mu     sync.Mutex
	world  *World
	active map[string]*Snapshot
}

// NewCoordinator creates a coordinator over a world.
func NewCoordinator(w *World) *Coordinator {
	return &Coordinator{world: w, active: make(map[string]*Snapshot)}
}

// World returns the committed state, for checkpointing.
func (c *Coordinator) World() *World {
	return c.world
}

// BeginOrResume returns the task's open snapshot, starting one on first
// call. A task resuming from suspension keeps the snapshot it already
// accumulated writes in.
func (c *Coordinator) BeginOrResume(taskID string) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.active[taskID]; ok {
		return s
	}
	s := newSnapshot(c.world)
	c.active[taskID] = s
	return s
}

// Commit atomically publishes a task's overlay. All of the task's
// writes become visible together, or none do: on conflict the snapshot
// is discarded and ErrConflict returned.
func (c *Coordinator) Commit(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[taskID]
	if !ok {
		return fmt.Errorf("db: no open transaction for task %s", taskID)
	}
	delete(c.active, taskID)

	c.world.mu.Lock()
	defer c.world.mu.Unlock()
	for id := range s.writes {
		if cur, ok := c.world.objects[id]; ok && cur.Version != s.seen[id] {
			return fmt.Errorf("%w: object #%d", ErrConflict, id)
		}
	}
	for id, o := range s.writes {
		o.Version++
		c.world.objects[id] = o
	}
	return nil
}

// Rollback discards a task's overlay, if it has one.
func (c *Coordinator) Rollback(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, taskID)
}

// Open reports whether a task holds an open transaction.
func (c *Coordinator) Open(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[taskID]
	return ok
}
