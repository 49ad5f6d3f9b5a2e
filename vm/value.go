package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Guest values
// ---------------------------------------------------------------------------

// ObjID is the stable identifier of an object in the database arena.
// Objects are reference-like from the guest's point of view: an Obj value
// names an arena slot, it never embeds object state.
type ObjID int64

// Type identifies the runtime type of a guest value.
type Type uint8

const (
	TypeInt Type = iota
	TypeFloat
	TypeStr
	TypeObj
	TypeErr
	TypeList
	TypeMap
)

// typeNames maps types to guest-visible names.
var typeNames = [...]string{
	TypeInt:   "int",
	TypeFloat: "float",
	TypeStr:   "str",
	TypeObj:   "obj",
	TypeErr:   "err",
	TypeList:  "list",
	TypeMap:   "map",
}

// String implements the Stringer interface.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Value is a guest-program value. Sequence values (List, Map) are
// copy-on-write: mutation opcodes produce new values and never alter a
// value another binding may share.
type Value interface {
	Type() Type
	// Truth reports the value's truthiness: zero numbers, empty strings,
	// and empty collections are false; everything else is true.
	Truth() bool
	// String renders the value in literal notation.
	String() string
}

// Int is a guest integer.
type Int int64

// Float is a guest float.
type Float float64

// Str is a guest string.
type Str string

// Obj is a reference to a database object by identifier.
type Obj ObjID

// Err is an error code as a first-class guest value.
type Err Code

// List is an ordered sequence. The backing slice is never mutated in
// place once the List is visible to guest code.
type List struct {
	elems []Value
}

// MapPair is one key/value entry of a Map.
type MapPair struct {
	Key   Value
	Value Value
}

// Map is a key-ordered collection. Keys are restricted to scalar values
// (int, float, str, obj, err); entries are kept sorted by key so that
// iteration order is deterministic.
type Map struct {
	pairs []MapPair
}

func (v Int) Type() Type   { return TypeInt }
func (v Float) Type() Type { return TypeFloat }
func (v Str) Type() Type   { return TypeStr }
func (v Obj) Type() Type   { return TypeObj }
func (v Err) Type() Type   { return TypeErr }
func (v List) Type() Type  { return TypeList }
func (v Map) Type() Type   { return TypeMap }

func (v Int) Truth() bool   { return v != 0 }
func (v Float) Truth() bool { return v != 0 }
func (v Str) Truth() bool   { return v != "" }
func (v Obj) Truth() bool   { return false }
func (v Err) Truth() bool   { return false }
func (v List) Truth() bool  { return len(v.elems) != 0 }
func (v Map) Truth() bool   { return len(v.pairs) != 0 }

func (v Int) String() string { return strconv.FormatInt(int64(v), 10) }

func (v Float) String() string {
	s := strconv.FormatFloat(float64(v), 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func (v Str) String() string { return strconv.Quote(string(v)) }
func (v Obj) String() string { return fmt.Sprintf("#%d", int64(v)) }
func (v Err) String() string { return Code(v).Name() }

func (v List) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, e := range v.elems {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.String())
	}
	sb.WriteString("}")
	return sb.String()
}

func (v Map) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, p := range v.pairs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Key.String())
		sb.WriteString(" -> ")
		sb.WriteString(p.Value.String())
	}
	sb.WriteString("]")
	return sb.String()
}

// ---------------------------------------------------------------------------
// List operations (copy-on-write)
// ---------------------------------------------------------------------------

// NewList creates a list from elements. The slice is copied.
func NewList(elems ...Value) List {
	out := make([]Value, len(elems))
	copy(out, elems)
	return List{elems: out}
}

// listFromOwned wraps a slice the caller promises not to reuse.
func listFromOwned(elems []Value) List {
	return List{elems: elems}
}

// Len returns the number of elements.
func (v List) Len() int { return len(v.elems) }

// At returns the element at a 1-based index. The caller must bounds-check.
func (v List) At(i int) Value { return v.elems[i-1] }

// Set returns a new list with the 1-based index i replaced.
func (v List) Set(i int, e Value) List {
	out := make([]Value, len(v.elems))
	copy(out, v.elems)
	out[i-1] = e
	return List{elems: out}
}

// Append returns a new list with e appended.
func (v List) Append(e Value) List {
	out := make([]Value, len(v.elems), len(v.elems)+1)
	copy(out, v.elems)
	return List{elems: append(out, e)}
}

// Concat returns the concatenation of two lists.
func (v List) Concat(other List) List {
	out := make([]Value, 0, len(v.elems)+len(other.elems))
	out = append(out, v.elems...)
	out = append(out, other.elems...)
	return List{elems: out}
}

// Slice returns elements from..to (1-based, inclusive) as a new list.
// The caller must bounds-check; an empty range yields an empty list.
func (v List) Slice(from, to int) List {
	if from > to {
		return List{}
	}
	out := make([]Value, to-from+1)
	copy(out, v.elems[from-1:to])
	return List{elems: out}
}

// SpliceReplace returns a new list with the from..to range (1-based,
// inclusive) replaced by the elements of repl.
func (v List) SpliceReplace(from, to int, repl List) List {
	out := make([]Value, 0, len(v.elems)-(to-from+1)+repl.Len())
	out = append(out, v.elems[:from-1]...)
	out = append(out, repl.elems...)
	out = append(out, v.elems[to:]...)
	return List{elems: out}
}

// Index returns the 1-based position of the first element equal to e,
// or 0 when absent.
func (v List) Index(e Value) int {
	for i, x := range v.elems {
		if Equal(x, e) {
			return i + 1
		}
	}
	return 0
}

// Elems returns a copy of the element slice.
func (v List) Elems() []Value {
	out := make([]Value, len(v.elems))
	copy(out, v.elems)
	return out
}

// ---------------------------------------------------------------------------
// Map operations (copy-on-write, key-ordered)
// ---------------------------------------------------------------------------

// ScalarKey reports whether v may be used as a map key.
func ScalarKey(v Value) bool {
	switch v.Type() {
	case TypeInt, TypeFloat, TypeStr, TypeObj, TypeErr:
		return true
	}
	return false
}

// NewMap creates an empty map.
func NewMap() Map { return Map{} }

// Len returns the number of entries.
func (v Map) Len() int { return len(v.pairs) }

// find returns the insertion position for key and whether it is present.
func (v Map) find(key Value) (int, bool) {
	lo, hi := 0, len(v.pairs)
	for lo < hi {
		mid := (lo + hi) / 2
		c := CompareKeys(v.pairs[mid].Key, key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// Get returns the value bound to key.
func (v Map) Get(key Value) (Value, bool) {
	i, ok := v.find(key)
	if !ok {
		return nil, false
	}
	return v.pairs[i].Value, true
}

// Set returns a new map with key bound to val.
func (v Map) Set(key, val Value) Map {
	i, ok := v.find(key)
	if ok {
		out := make([]MapPair, len(v.pairs))
		copy(out, v.pairs)
		out[i].Value = val
		return Map{pairs: out}
	}
	out := make([]MapPair, 0, len(v.pairs)+1)
	out = append(out, v.pairs[:i]...)
	out = append(out, MapPair{Key: key, Value: val})
	out = append(out, v.pairs[i:]...)
	return Map{pairs: out}
}

// Delete returns a new map without key. Deleting an absent key returns
// the receiver unchanged.
func (v Map) Delete(key Value) Map {
	i, ok := v.find(key)
	if !ok {
		return v
	}
	out := make([]MapPair, 0, len(v.pairs)-1)
	out = append(out, v.pairs[:i]...)
	out = append(out, v.pairs[i+1:]...)
	return Map{pairs: out}
}

// HasKey reports whether key is present.
func (v Map) HasKey(key Value) bool {
	_, ok := v.find(key)
	return ok
}

// Pairs returns a copy of the entries in key order.
func (v Map) Pairs() []MapPair {
	out := make([]MapPair, len(v.pairs))
	copy(out, v.pairs)
	return out
}

// PairAt returns the entry at a 1-based position in key order.
func (v Map) PairAt(i int) MapPair { return v.pairs[i-1] }

// ---------------------------------------------------------------------------
// Equality and ordering
// ---------------------------------------------------------------------------

// Equal reports deep value equality. Int and Float never compare equal
// to each other.
func Equal(a, b Value) bool {
	if a.Type() != b.Type() {
		return false
	}
	switch x := a.(type) {
	case Int:
		return x == b.(Int)
	case Float:
		return x == b.(Float)
	case Str:
		return strings.EqualFold(string(x), string(b.(Str)))
	case Obj:
		return x == b.(Obj)
	case Err:
		return x == b.(Err)
	case List:
		y := b.(List)
		if len(x.elems) != len(y.elems) {
			return false
		}
		for i := range x.elems {
			if !Equal(x.elems[i], y.elems[i]) {
				return false
			}
		}
		return true
	case Map:
		y := b.(Map)
		if len(x.pairs) != len(y.pairs) {
			return false
		}
		for i := range x.pairs {
			if !Equal(x.pairs[i].Key, y.pairs[i].Key) || !Equal(x.pairs[i].Value, y.pairs[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// CompareKeys orders two scalar keys: first by type, then by value.
// Both arguments must satisfy ScalarKey.
func CompareKeys(a, b Value) int {
	if a.Type() != b.Type() {
		return int(a.Type()) - int(b.Type())
	}
	switch x := a.(type) {
	case Int:
		y := b.(Int)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case Float:
		y := b.(Float)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case Str:
		return strings.Compare(strings.ToLower(string(x)), strings.ToLower(string(b.(Str))))
	case Obj:
		y := b.(Obj)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case Err:
		return int(x) - int(b.(Err))
	}
	panic(fmt.Sprintf("CompareKeys: non-scalar key of type %v", a.Type()))
}

// ---------------------------------------------------------------------------
// Numeric helpers
// ---------------------------------------------------------------------------

// CheckFloat validates the result of a float operation per the numeric
// rules: results that would be infinite signal a float error, NaN results
// signal an invalid argument, and subnormal underflow is flushed to zero.
// Non-finite values never reach guest-visible state.
func CheckFloat(f float64) (Float, Code) {
	const smallestNormal = 2.2250738585072014e-308
	switch {
	case math.IsInf(f, 0):
		return 0, ErrFloat
	case math.IsNaN(f):
		return 0, ErrInvArg
	case f != 0 && math.Abs(f) < smallestNormal:
		// Subnormal underflow flushes to zero.
		return 0, ErrNone
	}
	return Float(f), ErrNone
}

// ToStr renders a value for display (strings without quotes).
func ToStr(v Value) string {
	if s, ok := v.(Str); ok {
		return string(s)
	}
	return v.String()
}
