package db

import (
	"strings"

	"github.com/chazu/warren/vm"
)

// ---------------------------------------------------------------------------
// Object records
// ---------------------------------------------------------------------------

// Nothing is the nil object reference.
const Nothing vm.ObjID = -1

// Property is one property definition or override on an object.
type Property struct {
	Value    vm.Value
	Owner    vm.ObjID
	Readable bool
	Writable bool
	// Clear marks an inherited property that still tracks the parent's
	// value; reading resolves through the ancestor chain, writing clears
	// the flag and pins a local value.
	Clear bool
}

// Verb is one verb definition on an object.
type Verb struct {
	// Names is the space-separated alias list; an alias may carry one
	// `*` marking the shortest accepted abbreviation ("g*et" matches
	// "g", "ge", "get").
	Names      string
	Owner      vm.ObjID
	Readable   bool
	Executable bool
	// Debug makes errors raised inside the verb unwind to the caller;
	// cleared, they are squelched into expression results.
	Debug   bool
	Program *vm.Program
}

// Object is one record of the object arena. Identity is the stable
// ObjID; parentage (inheritance) and location (containment) are separate
// hierarchies.
type Object struct {
	ID       vm.ObjID
	Parent   vm.ObjID
	Owner    vm.ObjID
	Location vm.ObjID
	Contents []vm.ObjID

	Wizard     bool
	Programmer bool
	Player     bool

	Props map[string]*Property // keyed by lowercased name
	Verbs []*Verb

	// Version counts commits that touched this object; the transaction
	// coordinator compares it to detect write-write conflicts.
	Version uint64
}

func newObject(id, parent, owner vm.ObjID) *Object {
	return &Object{
		ID:       id,
		Parent:   parent,
		Owner:    owner,
		Location: Nothing,
		Props:    make(map[string]*Property),
	}
}

// clone makes a deep copy for a snapshot's write overlay.
func (o *Object) clone() *Object {
	c := *o
	c.Contents = append([]vm.ObjID(nil), o.Contents...)
	c.Props = make(map[string]*Property, len(o.Props))
	for name, p := range o.Props {
		cp := *p
		c.Props[name] = &cp
	}
	c.Verbs = make([]*Verb, len(o.Verbs))
	for i, v := range o.Verbs {
		cv := *v
		c.Verbs[i] = &cv
	}
	return &c
}

// FindVerb returns the first verb whose alias list matches name.
func (o *Object) FindVerb(name string) *Verb {
	for _, v := range o.Verbs {
		if MatchVerbName(v.Names, name) {
			return v
		}
	}
	return nil
}

// MatchVerbName reports whether a candidate matches any alias in a
// space-separated verb name list. Matching is case-insensitive; a `*`
// inside an alias marks the shortest accepted abbreviation, and a bare
// `*` matches anything.
func MatchVerbName(names, candidate string) bool {
	candidate = strings.ToLower(candidate)
	for _, alias := range strings.Fields(strings.ToLower(names)) {
		if alias == "*" {
			return true
		}
		star := strings.IndexByte(alias, '*')
		if star < 0 {
			if alias == candidate {
				return true
			}
			continue
		}
		full := alias[:star] + alias[star+1:]
		if len(candidate) >= star &&
			len(candidate) <= len(full) &&
			full[:len(candidate)] == candidate {
			return true
		}
	}
	return false
}
