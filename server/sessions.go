package server

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/warren/db"
	"github.com/chazu/warren/task"
	"github.com/chazu/warren/vm"
)

// Session is one connected player line stream. Send delivers output
// text; it must tolerate being called from the scheduler goroutine.
type Session struct {
	ID        string
	Player    vm.ObjID
	Connected time.Time

	send func(string)
}

// SessionStore manages connected sessions and routes their lines: input
// a task is waiting on goes to that task, everything else is parsed as
// a command.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nextID   atomic.Uint64

	sched *task.Scheduler
	log   commonlog.Logger
}

// NewSessionStore creates a session store and installs itself as the
// scheduler's output sink.
func NewSessionStore(sched *task.Scheduler) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*Session),
		sched:    sched,
		log:      commonlog.GetLogger("warren.server"),
	}
	sched.Notify = s.NotifyPlayer
	return s
}

// Connect registers a new session for a player.
func (s *SessionStore) Connect(player vm.ObjID, send func(string)) *Session {
	sess := &Session{
		ID:        fmt.Sprintf("s-%d", s.nextID.Add(1)),
		Player:    player,
		Connected: time.Now(),
		send:      send,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.log.Infof("session %s connected as #%d", sess.ID, player)
	return sess
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Disconnect removes a session. Any task reading on it resumes with
// E_INTRPT.
func (s *SessionStore) Disconnect(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.sched.SessionClosed(id)
	s.log.Infof("session %s disconnected", sess.ID)
}

// NotifyPlayer fans output text to every session the player holds.
func (s *SessionStore) NotifyPlayer(player vm.ObjID, text string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Player == player {
			sess.send(text)
		}
	}
}

// Line handles one line of input: a task blocked in read() on this
// session consumes it, otherwise it is parsed and queued as a command
// task.
func (s *SessionStore) Line(id, line string) {
	sess, ok := s.Get(id)
	if !ok {
		return
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if s.sched.PushInput(id, line) {
		return
	}
	s.dispatch(sess, line)
}

// dispatch resolves the command verb against the player and their
// location, then queues the task. The words after the verb become the
// task's argument list.
func (s *SessionStore) dispatch(sess *Session, line string) {
	words := strings.Fields(line)
	verb := words[0]
	args := make([]vm.Value, 0, len(words)-1)
	for _, w := range words[1:] {
		args = append(args, vm.Str(w))
	}

	// Resolution reads committed state through a throwaway snapshot;
	// the command task itself opens its own transaction.
	coord := s.sched.Coordinator()
	lookup := "lookup-" + uuid.NewString()
	snap := coord.BeginOrResume(lookup)
	defer coord.Rollback(lookup)

	this, info, found := resolveCommand(snap, sess.Player, verb)
	if !found {
		sess.send("I don't understand that.")
		return
	}

	s.sched.SubmitTask(sess.ID, sess.Player, info.Program, vm.Activation{
		Player:     sess.Player,
		This:       this,
		Caller:     sess.Player,
		Programmer: info.Owner,
		Definer:    info.Definer,
		Verb:       verb,
		Args:       vm.NewList(args...),
		Catchable:  info.Debug,
	})
}

// resolveCommand looks for the verb on the player first, then on the
// player's location.
func resolveCommand(snap *db.Snapshot, player vm.ObjID, verb string) (vm.ObjID, vm.VerbInfo, bool) {
	targets := []vm.ObjID{player}
	if o := snap.Object(player); o != nil && o.Location != db.Nothing {
		targets = append(targets, o.Location)
	}
	for _, target := range targets {
		info, code := snap.ResolveVerb(target, verb)
		if code != vm.ErrNone || !info.Executable || info.Program == nil {
			continue
		}
		return target, info, true
	}
	return db.Nothing, vm.VerbInfo{}, false
}
