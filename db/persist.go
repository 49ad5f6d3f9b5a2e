package db

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chazu/warren/vm"
)

// ---------------------------------------------------------------------------
// SQLite persistence
// ---------------------------------------------------------------------------

const (
	flagWizard     = 1 << 0
	flagProgrammer = 1 << 1
	flagPlayer     = 1 << 2

	permReadable   = 1 << 0
	permWritable   = 1 << 1
	permExecutable = 1 << 2
	permDebug      = 1 << 3
	permClear      = 1 << 4
)

// SuspendedTask is one persisted suspended-task row: continuation blob
// plus the metadata the scheduler needs to requeue it on boot.
type SuspendedTask struct {
	ID       string
	Kind     string
	Owner    vm.ObjID
	ResumeAt int64 // unix nanoseconds; 0 for input/external waits
	Fresh    bool  // delayed fork that never ran a slice
	Frames   []byte
	Overlay  []byte // captured transaction overlay; empty if none
}

// Persistence is the durable store: a world checkpoint plus the
// suspended-task continuations that survive a restart.
type Persistence struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenPersistence opens (creating if needed) the database file.
func OpenPersistence(path string) (*Persistence, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			id INTEGER PRIMARY KEY,
			parent INTEGER NOT NULL,
			owner INTEGER NOT NULL,
			location INTEGER NOT NULL,
			flags INTEGER NOT NULL,
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS properties (
			object INTEGER NOT NULL,
			name TEXT NOT NULL,
			owner INTEGER NOT NULL,
			perms INTEGER NOT NULL,
			value BLOB,
			PRIMARY KEY (object, name)
		)`,
		`CREATE TABLE IF NOT EXISTS verbs (
			object INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			names TEXT NOT NULL,
			owner INTEGER NOT NULL,
			perms INTEGER NOT NULL,
			program BLOB,
			PRIMARY KEY (object, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			owner INTEGER NOT NULL,
			resume_at INTEGER NOT NULL,
			fresh INTEGER NOT NULL,
			frames BLOB NOT NULL,
			overlay BLOB
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &Persistence{db: db}, nil
}

// Close closes the database connection.
func (p *Persistence) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Checkpoint writes the complete committed world in one transaction,
// replacing the previous checkpoint.
func (p *Persistence) Checkpoint(w *World) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning checkpoint: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"objects", "properties", "verbs"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	var failed error
	w.forEach(func(o *Object) {
		if failed != nil {
			return
		}
		failed = checkpointObject(tx, o)
	})
	if failed != nil {
		return failed
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	return nil
}

func checkpointObject(tx *sql.Tx, o *Object) error {
	flags := 0
	if o.Wizard {
		flags |= flagWizard
	}
	if o.Programmer {
		flags |= flagProgrammer
	}
	if o.Player {
		flags |= flagPlayer
	}
	if _, err := tx.Exec(
		"INSERT INTO objects (id, parent, owner, location, flags, version) VALUES (?, ?, ?, ?, ?, ?)",
		int64(o.ID), int64(o.Parent), int64(o.Owner), int64(o.Location), flags, o.Version,
	); err != nil {
		return fmt.Errorf("saving object #%d: %w", o.ID, err)
	}

	for name, prop := range o.Props {
		perms := 0
		if prop.Readable {
			perms |= permReadable
		}
		if prop.Writable {
			perms |= permWritable
		}
		if prop.Clear {
			perms |= permClear
		}
		var blob []byte
		if prop.Value != nil {
			var err error
			blob, err = vm.EncodeValue(prop.Value)
			if err != nil {
				return fmt.Errorf("encoding #%d.%s: %w", o.ID, name, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT INTO properties (object, name, owner, perms, value) VALUES (?, ?, ?, ?, ?)",
			int64(o.ID), name, int64(prop.Owner), perms, blob,
		); err != nil {
			return fmt.Errorf("saving property #%d.%s: %w", o.ID, name, err)
		}
	}

	for i, verb := range o.Verbs {
		perms := 0
		if verb.Readable {
			perms |= permReadable
		}
		if verb.Executable {
			perms |= permExecutable
		}
		if verb.Debug {
			perms |= permDebug
		}
		var blob []byte
		if verb.Program != nil {
			var err error
			blob, err = vm.MarshalProgram(verb.Program)
			if err != nil {
				return fmt.Errorf("encoding verb #%d:%s: %w", o.ID, verb.Names, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT INTO verbs (object, idx, names, owner, perms, program) VALUES (?, ?, ?, ?, ?, ?)",
			int64(o.ID), i, verb.Names, int64(verb.Owner), perms, blob,
		); err != nil {
			return fmt.Errorf("saving verb #%d:%s: %w", o.ID, verb.Names, err)
		}
	}
	return nil
}

// LoadWorld reads the checkpoint back into a fresh world.
func (p *Persistence) LoadWorld() (*World, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := NewWorld()

	rows, err := p.db.Query("SELECT id, parent, owner, location, flags, version FROM objects")
	if err != nil {
		return nil, fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, parent, owner, location int64
		var flags int
		var version uint64
		if err := rows.Scan(&id, &parent, &owner, &location, &flags, &version); err != nil {
			return nil, fmt.Errorf("scanning object: %w", err)
		}
		o := newObject(vm.ObjID(id), vm.ObjID(parent), vm.ObjID(owner))
		o.Location = vm.ObjID(location)
		o.Wizard = flags&flagWizard != 0
		o.Programmer = flags&flagProgrammer != 0
		o.Player = flags&flagPlayer != 0
		o.Version = version
		w.install(o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading objects: %w", err)
	}

	if err := p.loadProperties(w); err != nil {
		return nil, err
	}
	if err := p.loadVerbs(w); err != nil {
		return nil, err
	}

	// Rebuild contents lists from locations.
	type placement struct{ what, where vm.ObjID }
	var placements []placement
	w.forEach(func(o *Object) {
		if o.Location != Nothing {
			placements = append(placements, placement{o.ID, o.Location})
		}
	})
	for _, pl := range placements {
		if loc := w.Get(pl.where); loc != nil {
			loc.Contents = append(loc.Contents, pl.what)
		}
	}

	return w, nil
}

func (p *Persistence) loadProperties(w *World) error {
	rows, err := p.db.Query("SELECT object, name, owner, perms, value FROM properties")
	if err != nil {
		return fmt.Errorf("querying properties: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var obj, owner int64
		var name string
		var perms int
		var blob []byte
		if err := rows.Scan(&obj, &name, &owner, &perms, &blob); err != nil {
			return fmt.Errorf("scanning property: %w", err)
		}
		o := w.Get(vm.ObjID(obj))
		if o == nil {
			return fmt.Errorf("property %s on unknown object #%d", name, obj)
		}
		prop := &Property{
			Owner:    vm.ObjID(owner),
			Readable: perms&permReadable != 0,
			Writable: perms&permWritable != 0,
			Clear:    perms&permClear != 0,
		}
		if len(blob) > 0 {
			v, err := vm.DecodeValue(blob)
			if err != nil {
				return fmt.Errorf("decoding #%d.%s: %w", obj, name, err)
			}
			prop.Value = v
		}
		o.Props[name] = prop
	}
	return rows.Err()
}

func (p *Persistence) loadVerbs(w *World) error {
	rows, err := p.db.Query("SELECT object, idx, names, owner, perms, program FROM verbs ORDER BY object, idx")
	if err != nil {
		return fmt.Errorf("querying verbs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var obj, owner int64
		var idx, perms int
		var names string
		var blob []byte
		if err := rows.Scan(&obj, &idx, &names, &owner, &perms, &blob); err != nil {
			return fmt.Errorf("scanning verb: %w", err)
		}
		o := w.Get(vm.ObjID(obj))
		if o == nil {
			return fmt.Errorf("verb %s on unknown object #%d", names, obj)
		}
		verb := &Verb{
			Names:      names,
			Owner:      vm.ObjID(owner),
			Readable:   perms&permReadable != 0,
			Executable: perms&permExecutable != 0,
			Debug:      perms&permDebug != 0,
		}
		if len(blob) > 0 {
			prog, err := vm.UnmarshalProgram(blob)
			if err != nil {
				return fmt.Errorf("decoding verb #%d:%s: %w", obj, names, err)
			}
			verb.Program = prog
		}
		o.Verbs = append(o.Verbs, verb)
	}
	return rows.Err()
}

// SaveTask persists a suspended task's continuation, replacing any
// previous row for the same identifier.
func (p *Persistence) SaveTask(t *SuspendedTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.Exec(
		"INSERT OR REPLACE INTO tasks (id, kind, owner, resume_at, fresh, frames, overlay) VALUES (?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.Kind, int64(t.Owner), t.ResumeAt, t.Fresh, t.Frames, t.Overlay,
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

// DeleteTask removes a suspended task's row once it resumes or dies.
func (p *Persistence) DeleteTask(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.db.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// LoadTasks returns every persisted suspended task.
func (p *Persistence) LoadTasks() ([]*SuspendedTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows, err := p.db.Query("SELECT id, kind, owner, resume_at, fresh, frames, overlay FROM tasks")
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()
	var out []*SuspendedTask
	for rows.Next() {
		t := &SuspendedTask{}
		var owner int64
		if err := rows.Scan(&t.ID, &t.Kind, &owner, &t.ResumeAt, &t.Fresh, &t.Frames, &t.Overlay); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		t.Owner = vm.ObjID(owner)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading tasks: %w", err)
	}
	return out, nil
}
