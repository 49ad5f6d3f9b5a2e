package server

import (
	"sync"
	"testing"

	"github.com/chazu/warren/db"
	"github.com/chazu/warren/task"
	"github.com/chazu/warren/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
// ---------------------------------------------------------------------------

// notifyVerb builds a verb program that calls notify(#2, msg).
func notifyVerb(msg string) *vm.Program {
	b := vm.NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(vm.OpPushLiteral, b.Literal(vm.Obj(2)))
	cb.EmitUint16(vm.OpPushLiteral, b.Literal(vm.Str(msg)))
	cb.EmitUint16(vm.OpMakeList, 2)
	cb.EmitUint16(vm.OpCallBuiltin, b.Literal(vm.Str("notify")))
	cb.Emit(vm.OpReturn)
	return b.Build()
}

// echoVerb builds a verb program that calls notify(#2, read()).
func echoVerb() *vm.Program {
	b := vm.NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(vm.OpPushLiteral, b.Literal(vm.Obj(2)))
	cb.EmitUint16(vm.OpMakeList, 0)
	cb.EmitUint16(vm.OpCallBuiltin, b.Literal(vm.Str("read")))
	cb.EmitUint16(vm.OpMakeList, 2)
	cb.EmitUint16(vm.OpCallBuiltin, b.Literal(vm.Str("notify")))
	cb.Emit(vm.OpReturn)
	return b.Build()
}

func verbOn(o *db.Object, names string, p *vm.Program) {
	o.Verbs = append(o.Verbs, &db.Verb{
		Names:      names,
		Owner:      o.Owner,
		Readable:   true,
		Executable: true,
		Debug:      true,
		Program:    p,
	})
}

// newTestServer builds a world with a room (#1) defining "l*ook" and a
// player (#2) in it defining "inv" and "talk".
func newTestServer(t *testing.T) (*SessionStore, *task.Scheduler) {
	t.Helper()
	w := db.NewWorld()
	sys := w.Create(db.Nothing, 0)
	sys.Wizard = true
	room := w.Create(db.Nothing, 0)
	verbOn(room, "l*ook", notifyVerb("You see the room."))
	player := w.Create(db.Nothing, 2)
	player.Player = true
	player.Location = 1
	room.Contents = append(room.Contents, 2)
	verbOn(player, "inv", notifyVerb("You are carrying nothing."))
	verbOn(player, "talk", echoVerb())

	budgets := task.Budgets{
		FgTicks: 60000, BgTicks: 30000, MaxDepth: 50, BgQuota: 4,
	}
	sched := task.NewScheduler(db.NewCoordinator(w), vm.StockRegistry(), budgets)
	return NewSessionStore(sched), sched
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineSink) send(text string) {
	l.mu.Lock()
	l.lines = append(l.lines, text)
	l.mu.Unlock()
}

func (l *lineSink) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *lineSink) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		return ""
	}
	return l.lines[len(l.lines)-1]
}

// ---------------------------------------------------------------------------
// Command dispatch
// ---------------------------------------------------------------------------

func TestLine_CommandOnLocation(t *testing.T) {
	store, sched := newTestServer(t)
	sink := &lineSink{}
	sess := store.Connect(2, sink.send)

	store.Line(sess.ID, "look")
	sched.Tick()

	if got := sink.last(); got != "You see the room." {
		t.Fatalf("output = %q", got)
	}
}

func TestLine_CommandOnPlayer(t *testing.T) {
	store, sched := newTestServer(t)
	sink := &lineSink{}
	sess := store.Connect(2, sink.send)

	store.Line(sess.ID, "inv")
	sched.Tick()

	if got := sink.last(); got != "You are carrying nothing." {
		t.Fatalf("output = %q", got)
	}
}

func TestLine_VerbAbbreviation(t *testing.T) {
	store, sched := newTestServer(t)
	sink := &lineSink{}
	sess := store.Connect(2, sink.send)

	store.Line(sess.ID, "lo")
	sched.Tick()

	if got := sink.last(); got != "You see the room." {
		t.Fatalf("output = %q", got)
	}
}

func TestLine_UnknownCommand(t *testing.T) {
	store, _ := newTestServer(t)
	sink := &lineSink{}
	sess := store.Connect(2, sink.send)

	store.Line(sess.ID, "dance wildly")

	if got := sink.last(); got != "I don't understand that." {
		t.Fatalf("output = %q", got)
	}
}

func TestLine_BlankIgnored(t *testing.T) {
	store, sched := newTestServer(t)
	sink := &lineSink{}
	sess := store.Connect(2, sink.send)

	store.Line(sess.ID, "   ")
	sched.Tick()

	if lines := sink.all(); len(lines) != 0 {
		t.Fatalf("output = %v, want none", lines)
	}
}

func TestLine_FeedsReadingTask(t *testing.T) {
	store, sched := newTestServer(t)
	sink := &lineSink{}
	sess := store.Connect(2, sink.send)

	store.Line(sess.ID, "talk")
	sched.Tick()

	// The next line goes to read(), not command parsing.
	store.Line(sess.ID, "hello there")
	sched.Tick()

	if got := sink.last(); got != "hello there" {
		t.Fatalf("output = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func TestConnect_UniqueIDs(t *testing.T) {
	store, _ := newTestServer(t)
	a := store.Connect(2, func(string) {})
	b := store.Connect(2, func(string) {})
	if a.ID == b.ID {
		t.Fatalf("duplicate session id %q", a.ID)
	}
}

func TestDisconnect_RemovesSession(t *testing.T) {
	store, _ := newTestServer(t)
	sink := &lineSink{}
	sess := store.Connect(2, sink.send)

	store.Disconnect(sess.ID)
	if _, ok := store.Get(sess.ID); ok {
		t.Fatal("session still present after disconnect")
	}
	store.NotifyPlayer(2, "anyone home?")
	if lines := sink.all(); len(lines) != 0 {
		t.Fatalf("output after disconnect = %v", lines)
	}
}

func TestNotifyPlayer_FansOutToAllSessions(t *testing.T) {
	store, _ := newTestServer(t)
	a := &lineSink{}
	b := &lineSink{}
	store.Connect(2, a.send)
	store.Connect(2, b.send)

	store.NotifyPlayer(2, "hi")
	if a.last() != "hi" || b.last() != "hi" {
		t.Fatalf("fan-out = %q / %q", a.last(), b.last())
	}
}
