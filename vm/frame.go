package vm

// ---------------------------------------------------------------------------
// Frame: execution state of one verb activation
// ---------------------------------------------------------------------------

// ScopeKind classifies an active handler scope within a frame.
type ScopeKind uint8

const (
	// ScopeCatch matches raised errors against a code set and transfers
	// control to a handler body.
	ScopeCatch ScopeKind = iota
	// ScopeCleanup always runs its body when control leaves the protected
	// region, whatever the cause.
	ScopeCleanup
	// ScopeCatchExpr substitutes the raised error value as the result of a
	// guarded expression.
	ScopeCatchExpr
)

// HandlerScope is one active entry of a frame's handler stack.
type HandlerScope struct {
	Kind ScopeKind `cbor:"1,keyasint"`
	// Codes is the error set a catch scope matches: a List of Err values,
	// or Int(0) to match every code. Unused for cleanup scopes.
	Codes Value `cbor:"2,keyasint,omitempty"`
	// PC is the bytecode offset of the handler or cleanup body.
	PC int `cbor:"3,keyasint"`
	// Depth is the operand-stack depth at scope entry; entering the
	// handler truncates the stack back to it.
	Depth int `cbor:"4,keyasint"`
}

// Matches reports whether a raised code is covered by the scope's set.
func (h HandlerScope) Matches(code Code) bool {
	switch codes := h.Codes.(type) {
	case Int:
		return codes == 0 // catch-all
	case List:
		for i := 1; i <= codes.Len(); i++ {
			if e, ok := codes.At(i).(Err); ok && Code(e) == code {
				return true
			}
		}
	}
	return false
}

// TransferKind classifies a pending control transfer interrupted by a
// cleanup body.
type TransferKind uint8

const (
	// TransferFallthrough resumes normally after the cleanup.
	TransferFallthrough TransferKind = iota
	// TransferReturn completes a verb return.
	TransferReturn
	// TransferRaise continues unwinding a raised error.
	TransferRaise
	// TransferExit completes an early loop exit or skip.
	TransferExit
)

// Transfer records a control transfer suspended while a cleanup body
// runs. If the cleanup body starts a transfer of its own, the new one
// supersedes the recorded one.
type Transfer struct {
	Kind   TransferKind `cbor:"1,keyasint"`
	Value  Value        `cbor:"2,keyasint,omitempty"` // return value
	Raise  *Raise       `cbor:"3,keyasint,omitempty"` // in-flight error
	PC     int          `cbor:"4,keyasint"`           // exit target
	Depth  int          `cbor:"5,keyasint"`           // exit stack depth
	Scopes int          `cbor:"6,keyasint"`           // scope count at exit target
}

// Frame is the execution state of a single verb activation: instruction
// pointer, operand stack, local slots, the identity bindings in effect,
// and the active handler scopes. A frame owns no shared mutable state
// and is serializable as part of a task continuation.
type Frame struct {
	Program *Program
	Stream  int // 0 = main, i+1 = fork stream i
	IP      int

	Stack []Value
	Slots []Value // nil entry = unbound

	// Identity bindings visible to guest code and used for permission
	// checks. Programmer is the effective permission identity; Definer is
	// the object where the running verb is defined.
	Player     ObjID
	This       ObjID
	Caller     ObjID
	Programmer ObjID
	Definer    ObjID
	Verb       string

	// Catchable controls behavior of errors with no enclosing handler in
	// this frame: true unwinds toward the caller, false substitutes the
	// error value as the failing expression's result and continues.
	Catchable bool

	Scopes  []HandlerScope
	Pending []Transfer
}

// NewFrame creates a frame for a program stream with all slots unbound.
func NewFrame(p *Program, stream int) *Frame {
	return &Frame{
		Program:   p,
		Stream:    stream,
		Slots:     make([]Value, len(p.VarNames)),
		Catchable: true,
	}
}

// code returns the frame's instruction stream.
func (f *Frame) code() []byte {
	return f.Program.StreamCode(f.Stream)
}

// Line returns the source line for the frame's current position.
func (f *Frame) Line() int {
	return f.Program.LineAt(f.Stream, f.IP)
}

// push appends a value to the operand stack.
func (f *Frame) push(v Value) {
	f.Stack = append(f.Stack, v)
}

// pop removes and returns the top of the operand stack.
func (f *Frame) pop() Value {
	if len(f.Stack) == 0 {
		panic("frame: operand stack underflow")
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}

// top returns the top of the operand stack without removing it.
func (f *Frame) top() Value {
	if len(f.Stack) == 0 {
		panic("frame: operand stack underflow")
	}
	return f.Stack[len(f.Stack)-1]
}

// truncate discards operand-stack entries above depth.
func (f *Frame) truncate(depth int) {
	if depth < len(f.Stack) {
		f.Stack = f.Stack[:depth]
	}
}

// pushScope adds a handler scope recording the current stack depth.
func (f *Frame) pushScope(kind ScopeKind, codes Value, pc int) {
	f.Scopes = append(f.Scopes, HandlerScope{
		Kind:  kind,
		Codes: codes,
		PC:    pc,
		Depth: len(f.Stack),
	})
}

// handlerMatches reports whether any catch or catch-expression scope in
// the frame would intercept the code, without touching the scope stack.
// Raising in a squelched frame must leave the scopes alone unless a
// handler actually fires.
func (f *Frame) handlerMatches(code Code) bool {
	for i := len(f.Scopes) - 1; i >= 0; i-- {
		s := f.Scopes[i]
		if (s.Kind == ScopeCatch || s.Kind == ScopeCatchExpr) && s.Matches(code) {
			return true
		}
	}
	return false
}

// popScope removes and returns the innermost handler scope.
func (f *Frame) popScope() HandlerScope {
	if len(f.Scopes) == 0 {
		panic("frame: handler scope underflow")
	}
	s := f.Scopes[len(f.Scopes)-1]
	f.Scopes = f.Scopes[:len(f.Scopes)-1]
	return s
}

// BindVar binds a named variable, ignoring names the program never
// mentions. Used to seed the conventional bindings (player, this,
// caller, verb, args) when an activation begins.
func (f *Frame) BindVar(name string, v Value) {
	if slot := f.Program.SlotOf(name); slot >= 0 {
		f.Slots[slot] = v
	}
}

// tracebackLine renders this activation for a call-chain trace.
func (f *Frame) tracebackLine() TracebackLine {
	return TracebackLine{
		This:    f.This,
		Definer: f.Definer,
		Verb:    f.Verb,
		Line:    f.Line(),
	}
}
