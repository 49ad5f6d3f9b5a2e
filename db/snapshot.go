package db

import (
	"strings"
	"sync"

	"github.com/chazu/warren/vm"
)

// ---------------------------------------------------------------------------
// World: committed object state
// ---------------------------------------------------------------------------

// World holds the committed object arena. All task access goes through
// snapshots; direct World methods exist for boot-time world building and
// for the persistence layer.
type World struct {
	mu      sync.RWMutex
	objects map[vm.ObjID]*Object
	nextID  vm.ObjID
}

// NewWorld creates an empty world.
func NewWorld() *World {
	return &World{objects: make(map[vm.ObjID]*Object)}
}

// Create allocates an object directly in committed state. Boot-time
// world building only; tasks create through their snapshot.
func (w *World) Create(parent, owner vm.ObjID) *Object {
	w.mu.Lock()
	defer w.mu.Unlock()
	o := newObject(w.nextID, parent, owner)
	w.objects[o.ID] = o
	w.nextID++
	return o
}

// Get returns the committed object record, or nil.
func (w *World) Get(id vm.ObjID) *Object {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.objects[id]
}

// MaxID returns the highest allocated identifier plus one.
func (w *World) MaxID() vm.ObjID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.nextID
}

// install places an object into committed state, used by the
// persistence layer when restoring a checkpoint.
func (w *World) install(o *Object) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects[o.ID] = o
	if o.ID >= w.nextID {
		w.nextID = o.ID + 1
	}
}

// allocID reserves a fresh identifier. Identifiers burned by a
// rolled-back snapshot are not recycled.
func (w *World) allocID() vm.ObjID {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	return id
}

// reserveID makes future allocations skip an identifier already handed
// out, used when restoring a captured overlay.
func (w *World) reserveID(id vm.ObjID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id >= w.nextID {
		w.nextID = id + 1
	}
}

// forEach visits every committed object. Callers must not mutate.
func (w *World) forEach(fn func(*Object)) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, o := range w.objects {
		fn(o)
	}
}

// ---------------------------------------------------------------------------
// Snapshot: one task's isolated view
// ---------------------------------------------------------------------------

// Snapshot is a task's transaction: reads see committed state frozen at
// first access plus the task's own tentative writes, never another
// task's uncommitted work. Objects clone into the snapshot on first
// read, so a task that suspends and resumes re-reads the same state it
// saw before, whatever committed in between. The coordinator detects
// write-write conflicts at commit by comparing the versions recorded at
// first access.
type Snapshot struct {
	world   *World
	writes  map[vm.ObjID]*Object
	reads   map[vm.ObjID]*Object // committed copies frozen at first read
	seen    map[vm.ObjID]uint64  // committed version at first access
	created []vm.ObjID
}

func newSnapshot(w *World) *Snapshot {
	return &Snapshot{
		world:  w,
		writes: make(map[vm.ObjID]*Object),
		reads:  make(map[vm.ObjID]*Object),
		seen:   make(map[vm.ObjID]uint64),
	}
}

// get returns the task's view of an object: overlay first, then the
// frozen read copy, cloning from committed state on first access.
func (s *Snapshot) get(id vm.ObjID) *Object {
	if o, ok := s.writes[id]; ok {
		return o
	}
	if o, ok := s.reads[id]; ok {
		return o
	}
	base := s.world.Get(id)
	if base == nil {
		return nil
	}
	c := base.clone()
	s.reads[id] = c
	s.seen[id] = base.Version
	return c
}

// modify returns a mutable overlay copy of an object. An object already
// frozen by a read promotes into the write set; its recorded version
// stays the one seen at first access, so a commit that raced past the
// read is still detected.
func (s *Snapshot) modify(id vm.ObjID) *Object {
	if o, ok := s.writes[id]; ok {
		return o
	}
	if o, ok := s.reads[id]; ok {
		delete(s.reads, id)
		s.writes[id] = o
		return o
	}
	base := s.world.Get(id)
	if base == nil {
		return nil
	}
	c := base.clone()
	s.writes[id] = c
	s.seen[id] = base.Version
	return c
}

// Create allocates an object visible only to this snapshot until commit.
func (s *Snapshot) Create(parent, owner vm.ObjID) *Object {
	id := s.world.allocID()
	o := newObject(id, parent, owner)
	s.writes[id] = o
	s.seen[id] = 0
	s.created = append(s.created, id)
	return o
}

// Dirty reports whether the snapshot holds tentative writes.
func (s *Snapshot) Dirty() bool {
	return len(s.writes) > 0
}

// Object returns the snapshot's view of an object record, for callers
// outside the interpreter (the session layer, world building).
func (s *Snapshot) Object(id vm.ObjID) *Object {
	return s.get(id)
}

// ---------------------------------------------------------------------------
// vm.Store implementation
// ---------------------------------------------------------------------------

func (s *Snapshot) Valid(obj vm.ObjID) bool {
	return s.get(obj) != nil
}

func (s *Snapshot) IsWizard(obj vm.ObjID) bool {
	o := s.get(obj)
	return o != nil && o.Wizard
}

func (s *Snapshot) OwnerOf(obj vm.ObjID) (vm.ObjID, vm.Code) {
	o := s.get(obj)
	if o == nil {
		return Nothing, vm.ErrInvInd
	}
	return o.Owner, vm.ErrNone
}

func (s *Snapshot) ParentOf(obj vm.ObjID) (vm.ObjID, vm.Code) {
	o := s.get(obj)
	if o == nil {
		return Nothing, vm.ErrInvInd
	}
	return o.Parent, vm.ErrNone
}

func (s *Snapshot) ChildrenOf(obj vm.ObjID) ([]vm.ObjID, vm.Code) {
	if s.get(obj) == nil {
		return nil, vm.ErrInvInd
	}
	var out []vm.ObjID
	ids := make(map[vm.ObjID]bool)
	s.world.forEach(func(o *Object) {
		if _, overlaid := s.writes[o.ID]; overlaid {
			return
		}
		if o.Parent == obj {
			out = append(out, o.ID)
			ids[o.ID] = true
		}
	})
	for _, o := range s.writes {
		if o.Parent == obj && !ids[o.ID] {
			out = append(out, o.ID)
		}
	}
	return out, vm.ErrNone
}

// GetProp resolves a property through the ancestor chain. A clear
// override keeps walking upward to the defining value.
func (s *Snapshot) GetProp(obj vm.ObjID, name string) (vm.PropInfo, vm.Code) {
	name = strings.ToLower(name)
	first := (*Property)(nil)
	for id := obj; ; {
		o := s.get(id)
		if o == nil {
			if first != nil {
				break
			}
			return vm.PropInfo{}, vm.ErrInvInd
		}
		if p, ok := o.Props[name]; ok {
			if first == nil {
				first = p
			}
			if !p.Clear {
				return vm.PropInfo{
					Value:    p.Value,
					Owner:    first.Owner,
					Readable: first.Readable,
					Writable: first.Writable,
				}, vm.ErrNone
			}
		}
		if o.Parent == Nothing {
			break
		}
		id = o.Parent
	}
	if first != nil {
		// Clear all the way up with no defining value left.
		return vm.PropInfo{
			Value:    vm.Int(0),
			Owner:    first.Owner,
			Readable: first.Readable,
			Writable: first.Writable,
		}, vm.ErrNone
	}
	return vm.PropInfo{}, vm.ErrPropNF
}

// SetProp writes a property on the nearest ancestor that defines it.
// Writing to an object that holds a clear override pins the value there
// and clears the flag.
func (s *Snapshot) SetProp(obj vm.ObjID, name string, v vm.Value) vm.Code {
	name = strings.ToLower(name)
	for id := obj; ; {
		o := s.get(id)
		if o == nil {
			return vm.ErrInvInd
		}
		if _, ok := o.Props[name]; ok {
			m := s.modify(id)
			p := m.Props[name]
			p.Value = v
			p.Clear = false
			return vm.ErrNone
		}
		if o.Parent == Nothing {
			return vm.ErrPropNF
		}
		id = o.Parent
	}
}

func (s *Snapshot) ResolveVerb(obj vm.ObjID, name string) (vm.VerbInfo, vm.Code) {
	for id := obj; ; {
		o := s.get(id)
		if o == nil {
			return vm.VerbInfo{}, vm.ErrInvInd
		}
		if v := o.FindVerb(name); v != nil {
			return vm.VerbInfo{
				Program:    v.Program,
				Owner:      v.Owner,
				Definer:    id,
				Names:      v.Names,
				Readable:   v.Readable,
				Executable: v.Executable,
				Debug:      v.Debug,
			}, vm.ErrNone
		}
		if o.Parent == Nothing {
			return vm.VerbInfo{}, vm.ErrVerbNF
		}
		id = o.Parent
	}
}

// Move reparents an object in the containment hierarchy. Moving an
// object into itself or its own contents fails with ErrRecMove.
func (s *Snapshot) Move(what, to vm.ObjID) vm.Code {
	if s.get(what) == nil || (to != Nothing && s.get(to) == nil) {
		return vm.ErrInvInd
	}
	for id := to; id != Nothing; {
		if id == what {
			return vm.ErrRecMove
		}
		id = s.get(id).Location
	}

	m := s.modify(what)
	from := m.Location
	if from == to {
		return vm.ErrNone
	}
	if from != Nothing {
		src := s.modify(from)
		for i, c := range src.Contents {
			if c == what {
				src.Contents = append(src.Contents[:i], src.Contents[i+1:]...)
				break
			}
		}
	}
	if to != Nothing {
		dst := s.modify(to)
		dst.Contents = append(dst.Contents, what)
	}
	m.Location = to
	return vm.ErrNone
}
