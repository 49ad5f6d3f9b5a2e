package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Wire encoding for values, programs, and continuations
// ---------------------------------------------------------------------------
//
// Values are interface-typed in memory, so everything crosses the wire
// through explicit envelope structs with integer keys. Canonical CBOR
// keeps encodings deterministic, which makes checkpoint blobs comparable
// byte-for-byte.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireValue struct {
	T uint8        `cbor:"1,keyasint"`
	I int64        `cbor:"2,keyasint,omitempty"` // int, obj, err payload
	F float64      `cbor:"3,keyasint,omitempty"`
	S string       `cbor:"4,keyasint,omitempty"`
	L []*wireValue `cbor:"5,keyasint,omitempty"` // list elements, or map pairs flattened key,value
}

func encodeValue(v Value) *wireValue {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case Int:
		return &wireValue{T: uint8(TypeInt), I: int64(x)}
	case Float:
		return &wireValue{T: uint8(TypeFloat), F: float64(x)}
	case Str:
		return &wireValue{T: uint8(TypeStr), S: string(x)}
	case Obj:
		return &wireValue{T: uint8(TypeObj), I: int64(x)}
	case Err:
		return &wireValue{T: uint8(TypeErr), I: int64(x)}
	case List:
		out := make([]*wireValue, x.Len())
		for i := range out {
			out[i] = encodeValue(x.At(i + 1))
		}
		return &wireValue{T: uint8(TypeList), L: out}
	case Map:
		pairs := x.Pairs()
		out := make([]*wireValue, 0, len(pairs)*2)
		for _, p := range pairs {
			out = append(out, encodeValue(p.Key), encodeValue(p.Value))
		}
		return &wireValue{T: uint8(TypeMap), L: out}
	}
	panic(fmt.Sprintf("vm: cannot encode value of type %v", v.Type()))
}

func decodeValue(w *wireValue) (Value, error) {
	if w == nil {
		return nil, nil
	}
	switch Type(w.T) {
	case TypeInt:
		return Int(w.I), nil
	case TypeFloat:
		return Float(w.F), nil
	case TypeStr:
		return Str(w.S), nil
	case TypeObj:
		return Obj(w.I), nil
	case TypeErr:
		return Err(w.I), nil
	case TypeList:
		elems := make([]Value, len(w.L))
		for i, e := range w.L {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			if v == nil {
				return nil, fmt.Errorf("vm: nil element in list at %d", i)
			}
			elems[i] = v
		}
		return listFromOwned(elems), nil
	case TypeMap:
		if len(w.L)%2 != 0 {
			return nil, fmt.Errorf("vm: odd map pair count %d", len(w.L))
		}
		m := NewMap()
		for i := 0; i < len(w.L); i += 2 {
			k, err := decodeValue(w.L[i])
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(w.L[i+1])
			if err != nil {
				return nil, err
			}
			if k == nil || v == nil || !ScalarKey(k) {
				return nil, fmt.Errorf("vm: bad map entry at %d", i/2)
			}
			m = m.Set(k, v)
		}
		return m, nil
	}
	return nil, fmt.Errorf("vm: unknown value type tag %d", w.T)
}

func encodeValues(vs []Value) []*wireValue {
	out := make([]*wireValue, len(vs))
	for i, v := range vs {
		out[i] = encodeValue(v)
	}
	return out
}

func decodeValues(ws []*wireValue, allowNil bool) ([]Value, error) {
	out := make([]Value, len(ws))
	for i, w := range ws {
		v, err := decodeValue(w)
		if err != nil {
			return nil, err
		}
		if v == nil && !allowNil {
			return nil, fmt.Errorf("vm: unexpected nil value at %d", i)
		}
		out[i] = v
	}
	return out, nil
}

// EncodeValue serializes a single guest value to canonical CBOR. Used
// for property values in the persistent store.
func EncodeValue(v Value) ([]byte, error) {
	return cborEncMode.Marshal(encodeValue(v))
}

// DecodeValue deserializes a guest value from CBOR bytes.
func DecodeValue(data []byte) (Value, error) {
	var w wireValue
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("vm: unmarshal value: %w", err)
	}
	return decodeValue(&w)
}

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

type wireProgram struct {
	Code     []byte        `cbor:"1,keyasint"`
	Forks    [][]byte      `cbor:"2,keyasint,omitempty"`
	Literals []*wireValue  `cbor:"3,keyasint,omitempty"`
	VarNames []string      `cbor:"4,keyasint,omitempty"`
	Scatters []ScatterSpec `cbor:"5,keyasint,omitempty"`
	Lines    [][]LineEntry `cbor:"6,keyasint,omitempty"`
}

func encodeProgram(p *Program) *wireProgram {
	return &wireProgram{
		Code:     p.Code,
		Forks:    p.Forks,
		Literals: encodeValues(p.Literals),
		VarNames: p.VarNames,
		Scatters: p.Scatters,
		Lines:    p.Lines,
	}
}

func decodeProgram(w *wireProgram) (*Program, error) {
	literals, err := decodeValues(w.Literals, false)
	if err != nil {
		return nil, err
	}
	return &Program{
		Code:     w.Code,
		Forks:    w.Forks,
		Literals: literals,
		VarNames: w.VarNames,
		Scatters: w.Scatters,
		Lines:    w.Lines,
	}, nil
}

// MarshalProgram serializes a compiled program to CBOR bytes.
func MarshalProgram(p *Program) ([]byte, error) {
	return cborEncMode.Marshal(encodeProgram(p))
}

// UnmarshalProgram deserializes a compiled program from CBOR bytes.
func UnmarshalProgram(data []byte) (*Program, error) {
	var w wireProgram
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("vm: unmarshal program: %w", err)
	}
	return decodeProgram(&w)
}

// ---------------------------------------------------------------------------
// Frames and continuations
// ---------------------------------------------------------------------------

type wireRaise struct {
	Code      uint8           `cbor:"1,keyasint"`
	Message   string          `cbor:"2,keyasint,omitempty"`
	Value     *wireValue      `cbor:"3,keyasint,omitempty"`
	Traceback []TracebackLine `cbor:"4,keyasint,omitempty"`
}

func encodeRaise(r *Raise) *wireRaise {
	if r == nil {
		return nil
	}
	return &wireRaise{
		Code:      uint8(r.Code),
		Message:   r.Message,
		Value:     encodeValue(r.Value),
		Traceback: r.Traceback,
	}
}

func decodeRaise(w *wireRaise) (*Raise, error) {
	if w == nil {
		return nil, nil
	}
	v, err := decodeValue(w.Value)
	if err != nil {
		return nil, err
	}
	return &Raise{
		Code:      Code(w.Code),
		Message:   w.Message,
		Value:     v,
		Traceback: w.Traceback,
	}, nil
}

// MarshalRaise serializes an error with its traceback.
func MarshalRaise(r *Raise) ([]byte, error) {
	return cborEncMode.Marshal(encodeRaise(r))
}

// UnmarshalRaise deserializes an error with its traceback.
func UnmarshalRaise(data []byte) (*Raise, error) {
	var w wireRaise
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("vm: unmarshal raise: %w", err)
	}
	return decodeRaise(&w)
}

type wireScope struct {
	Kind  uint8      `cbor:"1,keyasint"`
	Codes *wireValue `cbor:"2,keyasint,omitempty"`
	PC    int        `cbor:"3,keyasint"`
	Depth int        `cbor:"4,keyasint"`
}

type wireTransfer struct {
	Kind   uint8      `cbor:"1,keyasint"`
	Value  *wireValue `cbor:"2,keyasint,omitempty"`
	Raise  *wireRaise `cbor:"3,keyasint,omitempty"`
	PC     int        `cbor:"4,keyasint"`
	Depth  int        `cbor:"5,keyasint"`
	Scopes int        `cbor:"6,keyasint"`
}

type wireFrame struct {
	Program    *wireProgram   `cbor:"1,keyasint"`
	Stream     int            `cbor:"2,keyasint"`
	IP         int            `cbor:"3,keyasint"`
	Stack      []*wireValue   `cbor:"4,keyasint,omitempty"`
	Slots      []*wireValue   `cbor:"5,keyasint,omitempty"`
	Player     int64          `cbor:"6,keyasint"`
	This       int64          `cbor:"7,keyasint"`
	Caller     int64          `cbor:"8,keyasint"`
	Programmer int64          `cbor:"9,keyasint"`
	Definer    int64          `cbor:"10,keyasint"`
	Verb       string         `cbor:"11,keyasint,omitempty"`
	Catchable  bool           `cbor:"12,keyasint"`
	Scopes     []wireScope    `cbor:"13,keyasint,omitempty"`
	Pending    []wireTransfer `cbor:"14,keyasint,omitempty"`
}

func encodeFrame(f *Frame) *wireFrame {
	w := &wireFrame{
		Program:    encodeProgram(f.Program),
		Stream:     f.Stream,
		IP:         f.IP,
		Stack:      encodeValues(f.Stack),
		Slots:      encodeValues(f.Slots),
		Player:     int64(f.Player),
		This:       int64(f.This),
		Caller:     int64(f.Caller),
		Programmer: int64(f.Programmer),
		Definer:    int64(f.Definer),
		Verb:       f.Verb,
		Catchable:  f.Catchable,
	}
	for _, s := range f.Scopes {
		w.Scopes = append(w.Scopes, wireScope{
			Kind:  uint8(s.Kind),
			Codes: encodeValue(s.Codes),
			PC:    s.PC,
			Depth: s.Depth,
		})
	}
	for _, t := range f.Pending {
		w.Pending = append(w.Pending, wireTransfer{
			Kind:   uint8(t.Kind),
			Value:  encodeValue(t.Value),
			Raise:  encodeRaise(t.Raise),
			PC:     t.PC,
			Depth:  t.Depth,
			Scopes: t.Scopes,
		})
	}
	return w
}

func decodeFrame(w *wireFrame) (*Frame, error) {
	if w.Program == nil {
		return nil, fmt.Errorf("vm: frame without program")
	}
	p, err := decodeProgram(w.Program)
	if err != nil {
		return nil, err
	}
	stack, err := decodeValues(w.Stack, false)
	if err != nil {
		return nil, err
	}
	slots, err := decodeValues(w.Slots, true) // nil slot = unbound
	if err != nil {
		return nil, err
	}
	f := &Frame{
		Program:    p,
		Stream:     w.Stream,
		IP:         w.IP,
		Stack:      stack,
		Slots:      slots,
		Player:     ObjID(w.Player),
		This:       ObjID(w.This),
		Caller:     ObjID(w.Caller),
		Programmer: ObjID(w.Programmer),
		Definer:    ObjID(w.Definer),
		Verb:       w.Verb,
		Catchable:  w.Catchable,
	}
	for _, s := range w.Scopes {
		codes, err := decodeValue(s.Codes)
		if err != nil {
			return nil, err
		}
		f.Scopes = append(f.Scopes, HandlerScope{
			Kind:  ScopeKind(s.Kind),
			Codes: codes,
			PC:    s.PC,
			Depth: s.Depth,
		})
	}
	for _, t := range w.Pending {
		v, err := decodeValue(t.Value)
		if err != nil {
			return nil, err
		}
		r, err := decodeRaise(t.Raise)
		if err != nil {
			return nil, err
		}
		f.Pending = append(f.Pending, Transfer{
			Kind:   TransferKind(t.Kind),
			Value:  v,
			Raise:  r,
			PC:     t.PC,
			Depth:  t.Depth,
			Scopes: t.Scopes,
		})
	}
	return f, nil
}

// MarshalFrames serializes a call stack, outermost frame first. This is
// the continuation payload a suspended task persists.
func MarshalFrames(frames []*Frame) ([]byte, error) {
	out := make([]*wireFrame, len(frames))
	for i, f := range frames {
		out[i] = encodeFrame(f)
	}
	return cborEncMode.Marshal(out)
}

// UnmarshalFrames deserializes a call stack.
func UnmarshalFrames(data []byte) ([]*Frame, error) {
	var ws []*wireFrame
	if err := cbor.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("vm: unmarshal frames: %w", err)
	}
	out := make([]*Frame, len(ws))
	for i, w := range ws {
		f, err := decodeFrame(w)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
