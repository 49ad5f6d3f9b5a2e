package vm

import "fmt"

// ---------------------------------------------------------------------------
// Error codes: the closed set of guest-visible error conditions
// ---------------------------------------------------------------------------

// Code identifies one guest-visible error condition. The set is closed:
// every opcode and builtin raises one of these, and guest code matches
// handlers against them.
type Code uint8

const (
	ErrNone        Code = iota // no error (zero value, never raised)
	ErrType                    // operand/collection type mismatch
	ErrDiv                     // integer division or modulo by zero
	ErrPerm                    // permission denied
	ErrPropNF                  // property not found
	ErrVerbNF                  // verb or builtin not found
	ErrVarNF                   // variable not bound
	ErrInvInd                  // indirection through an invalid object
	ErrRecMove                 // recursive containment violation
	ErrMaxDepth                // call depth limit exceeded
	ErrRange                   // sequence index out of bounds
	ErrArgs                    // wrong argument count
	ErrRefused                 // mutation refused by target
	ErrInvArg                  // invalid argument value
	ErrQuota                   // resource or quota exceeded
	ErrFloat                   // floating-point overflow
	ErrFile                    // I/O failure
	ErrExec                    // external process failure
	ErrInterrupt               // task interrupted
)

// codeNames maps codes to their guest-visible names.
var codeNames = [...]string{
	ErrNone:      "E_NONE",
	ErrType:      "E_TYPE",
	ErrDiv:       "E_DIV",
	ErrPerm:      "E_PERM",
	ErrPropNF:    "E_PROPNF",
	ErrVerbNF:    "E_VERBNF",
	ErrVarNF:     "E_VARNF",
	ErrInvInd:    "E_INVIND",
	ErrRecMove:   "E_RECMOVE",
	ErrMaxDepth:  "E_MAXREC",
	ErrRange:     "E_RANGE",
	ErrArgs:      "E_ARGS",
	ErrRefused:   "E_NACC",
	ErrInvArg:    "E_INVARG",
	ErrQuota:     "E_QUOTA",
	ErrFloat:     "E_FLOAT",
	ErrFile:      "E_FILE",
	ErrExec:      "E_EXEC",
	ErrInterrupt: "E_INTRPT",
}

// codeMessages maps codes to their default human-readable messages.
var codeMessages = [...]string{
	ErrNone:      "No error",
	ErrType:      "Type mismatch",
	ErrDiv:       "Division by zero",
	ErrPerm:      "Permission denied",
	ErrPropNF:    "Property not found",
	ErrVerbNF:    "Verb not found",
	ErrVarNF:     "Variable not found",
	ErrInvInd:    "Invalid indirection",
	ErrRecMove:   "Recursive move",
	ErrMaxDepth:  "Maximum call depth exceeded",
	ErrRange:     "Range error",
	ErrArgs:      "Incorrect number of arguments",
	ErrRefused:   "Move refused by destination",
	ErrInvArg:    "Invalid argument",
	ErrQuota:     "Resource limit exceeded",
	ErrFloat:     "Floating-point overflow",
	ErrFile:      "File system error",
	ErrExec:      "Exec error",
	ErrInterrupt: "Interrupted",
}

// Name returns the guest-visible name for a code.
func (c Code) Name() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("E_UNKNOWN_%d", uint8(c))
}

// Message returns the default message for a code.
func (c Code) Message() string {
	if int(c) < len(codeMessages) {
		return codeMessages[c]
	}
	return "Unknown error"
}

// String implements the Stringer interface.
func (c Code) String() string {
	return c.Name()
}

// ---------------------------------------------------------------------------
// Raise: an in-flight error signal
// ---------------------------------------------------------------------------

// TracebackLine records one activation in a call-chain trace.
type TracebackLine struct {
	This    ObjID  `cbor:"1,keyasint"`
	Definer ObjID  `cbor:"2,keyasint"`
	Verb    string `cbor:"3,keyasint"`
	Line    int    `cbor:"4,keyasint"`
}

// String formats a traceback line the way it is reported to sessions.
func (t TracebackLine) String() string {
	return fmt.Sprintf("#%d:%s (defined on #%d), line %d", t.This, t.Verb, t.Definer, t.Line)
}

// Raise carries a signaled error while it unwinds toward a handler. It is
// the structured payload a matching handler receives: code, message, an
// auxiliary value, and the call-chain trace accumulated during unwinding.
type Raise struct {
	Code      Code
	Message   string
	Value     Value
	Traceback []TracebackLine
}

// NewRaise creates a Raise for a code with its default message and a zero
// auxiliary value.
func NewRaise(code Code) *Raise {
	return &Raise{Code: code, Message: code.Message(), Value: Int(0)}
}

// RaiseWith creates a Raise with an explicit message.
func RaiseWith(code Code, message string) *Raise {
	return &Raise{Code: code, Message: message, Value: Int(0)}
}

// Payload returns the handler-visible payload list:
// {code, message, value, traceback}.
func (r *Raise) Payload() Value {
	tb := make([]Value, 0, len(r.Traceback))
	for _, line := range r.Traceback {
		tb = append(tb, NewList(Obj(line.This), Str(line.Verb), Obj(line.Definer), Int(line.Line)))
	}
	val := r.Value
	if val == nil {
		val = Int(0)
	}
	return NewList(Err(r.Code), Str(r.Message), val, NewList(tb...))
}
