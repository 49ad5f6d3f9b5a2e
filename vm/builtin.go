package vm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"
)

// ---------------------------------------------------------------------------
// Builtin registry
// ---------------------------------------------------------------------------

// ArgType is a positional argument-type constraint.
type ArgType uint8

const (
	ArgAny ArgType = iota
	ArgInt
	ArgFloat
	ArgNum // int or float
	ArgStr
	ArgObj
	ArgErr
	ArgList
	ArgMap
	ArgSeq // list or map
)

// accepts reports whether a value satisfies the constraint.
func (a ArgType) accepts(v Value) bool {
	switch a {
	case ArgAny:
		return true
	case ArgInt:
		return v.Type() == TypeInt
	case ArgFloat:
		return v.Type() == TypeFloat
	case ArgNum:
		return v.Type() == TypeInt || v.Type() == TypeFloat
	case ArgStr:
		return v.Type() == TypeStr
	case ArgObj:
		return v.Type() == TypeObj
	case ArgErr:
		return v.Type() == TypeErr
	case ArgList:
		return v.Type() == TypeList
	case ArgMap:
		return v.Type() == TypeMap
	case ArgSeq:
		return v.Type() == TypeList || v.Type() == TypeMap
	}
	return false
}

// BuiltinOutcome classifies what a builtin asked the interpreter to do.
type BuiltinOutcome uint8

const (
	// BuiltinValue returns a value synchronously.
	BuiltinValue BuiltinOutcome = iota
	// BuiltinRaise signals an error at the call site.
	BuiltinRaise
	// BuiltinSuspend relinquishes execution for at least Delay seconds.
	BuiltinSuspend
	// BuiltinRead blocks the task until a line of input arrives.
	BuiltinRead
	// BuiltinExternal parks the task while the call runs on a worker.
	BuiltinExternal
)

// ExternalCall is a builtin invocation offloaded to a worker while the
// task sits in the externally-suspended queue. Run executes off the
// interpreter thread and its result is posted back through the scheduler.
type ExternalCall struct {
	Name string
	Args []Value
	Run  func() BuiltinResult
}

// BuiltinResult is what a builtin hands back to the interpreter.
type BuiltinResult struct {
	Kind     BuiltinOutcome
	Value    Value
	Raise    *Raise
	Delay    float64
	External *ExternalCall
}

// Ok wraps a synchronous return value.
func Ok(v Value) BuiltinResult {
	return BuiltinResult{Kind: BuiltinValue, Value: v}
}

// Fail wraps a raised code.
func Fail(code Code) BuiltinResult {
	return BuiltinResult{Kind: BuiltinRaise, Raise: NewRaise(code)}
}

// FailWith wraps a raised code with a message.
func FailWith(code Code, msg string) BuiltinResult {
	return BuiltinResult{Kind: BuiltinRaise, Raise: RaiseWith(code, msg)}
}

// TaskSummary is the introspection record for one queued or suspended
// task, as exposed to guest code and administrative tooling.
type TaskSummary struct {
	ID      string
	Owner   ObjID
	Kind    string
	Started time.Time
	Verb    string
	Line    int
	// Chain is the task's current call chain, innermost first.
	Chain []TracebackLine
}

// TaskControl is the slice of scheduler capability the builtin table
// needs: enumeration and kill. Injected so the vm package never depends
// on the scheduler.
type TaskControl interface {
	// Queued lists tasks visible to owner (all tasks for wizards).
	Queued(owner ObjID, wizard bool) []TaskSummary
	// Kill removes a queued or suspended task, or marks the running one
	// for discard. Fails with ErrPerm for tasks the caller does not own
	// and ErrInvArg for unknown identifiers.
	Kill(id string, owner ObjID, wizard bool) Code
	// AtQuota reports whether owner has reached the cap on queued
	// background tasks. Fork raises ErrQuota instead of scheduling
	// past it.
	AtQuota(owner ObjID) bool
}

// BuiltinContext carries the per-call environment a builtin sees.
type BuiltinContext struct {
	Store      Store
	TaskID     string
	Player     ObjID
	Programmer ObjID
	Tasks      TaskControl
	// Notify delivers output text toward a player's session; nil when no
	// session layer is attached.
	Notify func(player ObjID, text string)
	// Now is the clock; injectable for tests.
	Now func() time.Time
	// Rand is the random source; injectable for tests.
	Rand *rand.Rand
}

// BuiltinFunc is the body of one builtin.
type BuiltinFunc func(ctx *BuiltinContext, args []Value) BuiltinResult

// Builtin declares one entry of the capability table: arity bounds,
// positional type constraints, and whether the body may be offloaded to
// a worker instead of returning synchronously.
type Builtin struct {
	Name        string
	MinArgs     int
	MaxArgs     int // -1 = unlimited
	Types       []ArgType
	Offloadable bool
	Fn          BuiltinFunc
}

// CheckArgs validates arity and positional types before the body runs.
func (b *Builtin) CheckArgs(args []Value) *Raise {
	if len(args) < b.MinArgs || (b.MaxArgs >= 0 && len(args) > b.MaxArgs) {
		return RaiseWith(ErrArgs, fmt.Sprintf("%s: expected %s arguments, got %d",
			b.Name, arityRange(b.MinArgs, b.MaxArgs), len(args)))
	}
	for i, arg := range args {
		if i < len(b.Types) && !b.Types[i].accepts(arg) {
			return RaiseWith(ErrType, fmt.Sprintf("%s: argument %d has type %v",
				b.Name, i+1, arg.Type()))
		}
	}
	return nil
}

func arityRange(min, max int) string {
	switch {
	case max < 0:
		return fmt.Sprintf("at least %d", min)
	case min == max:
		return fmt.Sprintf("%d", min)
	}
	return fmt.Sprintf("%d to %d", min, max)
}

// Registry maps builtin names to their declarations.
type Registry struct {
	byName map[string]*Builtin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Builtin)}
}

// Register adds a builtin, replacing any previous entry of the same name.
func (r *Registry) Register(b *Builtin) {
	r.byName[b.Name] = b
}

// Lookup returns the builtin for a name.
func (r *Registry) Lookup(name string) (*Builtin, bool) {
	b, ok := r.byName[name]
	return b, ok
}

// ---------------------------------------------------------------------------
// Stock builtins
// ---------------------------------------------------------------------------

// StockRegistry returns a registry holding the standard builtin set.
func StockRegistry() *Registry {
	r := NewRegistry()

	r.Register(&Builtin{Name: "typeof", MinArgs: 1, MaxArgs: 1,
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			return Ok(Int(args[0].Type()))
		}})

	r.Register(&Builtin{Name: "length", MinArgs: 1, MaxArgs: 1,
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			switch v := args[0].(type) {
			case Str:
				return Ok(Int(len(v)))
			case List:
				return Ok(Int(v.Len()))
			case Map:
				return Ok(Int(v.Len()))
			}
			return Fail(ErrType)
		}})

	r.Register(&Builtin{Name: "tostr", MinArgs: 0, MaxArgs: -1,
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			out := ""
			for _, a := range args {
				out += ToStr(a)
			}
			return Ok(Str(out))
		}})

	r.Register(&Builtin{Name: "toint", MinArgs: 1, MaxArgs: 1,
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			switch v := args[0].(type) {
			case Int:
				return Ok(v)
			case Float:
				return Ok(Int(v))
			case Obj:
				return Ok(Int(v))
			case Err:
				return Ok(Int(v))
			case Str:
				var n int64
				if _, err := fmt.Sscanf(string(v), "%d", &n); err != nil {
					return Ok(Int(0))
				}
				return Ok(Int(n))
			}
			return Fail(ErrType)
		}})

	r.Register(&Builtin{Name: "tofloat", MinArgs: 1, MaxArgs: 1, Types: []ArgType{ArgNum},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			switch v := args[0].(type) {
			case Int:
				return Ok(Float(v))
			case Float:
				return Ok(v)
			}
			return Fail(ErrType)
		}})

	r.Register(&Builtin{Name: "raise", MinArgs: 1, MaxArgs: 3, Types: []ArgType{ArgErr, ArgStr, ArgAny},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			code := Code(args[0].(Err))
			rs := NewRaise(code)
			if len(args) > 1 {
				rs.Message = string(args[1].(Str))
			}
			if len(args) > 2 {
				rs.Value = args[2]
			}
			return BuiltinResult{Kind: BuiltinRaise, Raise: rs}
		}})

	r.Register(&Builtin{Name: "suspend", MinArgs: 0, MaxArgs: 1, Types: []ArgType{ArgNum},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			delay := 0.0
			if len(args) > 0 {
				switch v := args[0].(type) {
				case Int:
					delay = float64(v)
				case Float:
					delay = float64(v)
				}
				if delay < 0 {
					return Fail(ErrInvArg)
				}
			}
			return BuiltinResult{Kind: BuiltinSuspend, Delay: delay}
		}})

	r.Register(&Builtin{Name: "read", MinArgs: 0, MaxArgs: 0,
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			return BuiltinResult{Kind: BuiltinRead}
		}})

	r.Register(&Builtin{Name: "task_id", MinArgs: 0, MaxArgs: 0,
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			return Ok(Str(ctx.TaskID))
		}})

	r.Register(&Builtin{Name: "queued_tasks", MinArgs: 0, MaxArgs: 0,
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			if ctx.Tasks == nil {
				return Ok(NewList())
			}
			wizard := ctx.Store != nil && ctx.Store.IsWizard(ctx.Programmer)
			var out []Value
			for _, t := range ctx.Tasks.Queued(ctx.Programmer, wizard) {
				chain := make([]Value, 0, len(t.Chain))
				for _, line := range t.Chain {
					chain = append(chain, NewList(
						Obj(line.This), Str(line.Verb), Obj(line.Definer), Int(line.Line)))
				}
				out = append(out, NewList(
					Str(t.ID), Obj(t.Owner), Str(t.Kind),
					Int(t.Started.Unix()), Str(t.Verb), Int(t.Line),
					listFromOwned(chain)))
			}
			return Ok(listFromOwned(out))
		}})

	r.Register(&Builtin{Name: "kill_task", MinArgs: 1, MaxArgs: 1, Types: []ArgType{ArgStr},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			if ctx.Tasks == nil {
				return Fail(ErrInvArg)
			}
			wizard := ctx.Store != nil && ctx.Store.IsWizard(ctx.Programmer)
			if code := ctx.Tasks.Kill(string(args[0].(Str)), ctx.Programmer, wizard); code != ErrNone {
				return Fail(code)
			}
			return Ok(Int(0))
		}})

	r.Register(&Builtin{Name: "notify", MinArgs: 2, MaxArgs: 2, Types: []ArgType{ArgObj, ArgStr},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			if ctx.Notify != nil {
				ctx.Notify(ObjID(args[0].(Obj)), string(args[1].(Str)))
			}
			return Ok(Int(0))
		}})

	r.Register(&Builtin{Name: "time", MinArgs: 0, MaxArgs: 0,
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			return Ok(Int(ctx.Now().Unix()))
		}})

	r.Register(&Builtin{Name: "random", MinArgs: 0, MaxArgs: 1, Types: []ArgType{ArgInt},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			n := int64(1 << 30)
			if len(args) > 0 {
				n = int64(args[0].(Int))
				if n <= 0 {
					return Fail(ErrInvArg)
				}
			}
			return Ok(Int(ctx.Rand.Int63n(n) + 1))
		}})

	r.Register(&Builtin{Name: "valid", MinArgs: 1, MaxArgs: 1, Types: []ArgType{ArgObj},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			if ctx.Store.Valid(ObjID(args[0].(Obj))) {
				return Ok(Int(1))
			}
			return Ok(Int(0))
		}})

	r.Register(&Builtin{Name: "parent", MinArgs: 1, MaxArgs: 1, Types: []ArgType{ArgObj},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			p, code := ctx.Store.ParentOf(ObjID(args[0].(Obj)))
			if code != ErrNone {
				return Fail(code)
			}
			return Ok(Obj(p))
		}})

	r.Register(&Builtin{Name: "children", MinArgs: 1, MaxArgs: 1, Types: []ArgType{ArgObj},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			kids, code := ctx.Store.ChildrenOf(ObjID(args[0].(Obj)))
			if code != ErrNone {
				return Fail(code)
			}
			out := make([]Value, 0, len(kids))
			for _, k := range kids {
				out = append(out, Obj(k))
			}
			return Ok(listFromOwned(out))
		}})

	r.Register(&Builtin{Name: "move", MinArgs: 2, MaxArgs: 2, Types: []ArgType{ArgObj, ArgObj},
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			what := ObjID(args[0].(Obj))
			owner, code := ctx.Store.OwnerOf(what)
			if code != ErrNone {
				return Fail(code)
			}
			if owner != ctx.Programmer && !ctx.Store.IsWizard(ctx.Programmer) {
				return Fail(ErrPerm)
			}
			if code := ctx.Store.Move(what, ObjID(args[1].(Obj))); code != ErrNone {
				return Fail(code)
			}
			return Ok(Int(0))
		}})

	// crypt is deliberately offloadable: it exercises the worker path the
	// way an expensive hash would in production.
	r.Register(&Builtin{Name: "crypt", MinArgs: 1, MaxArgs: 2, Types: []ArgType{ArgStr, ArgStr},
		Offloadable: true,
		Fn: func(ctx *BuiltinContext, args []Value) BuiltinResult {
			text := string(args[0].(Str))
			salt := ""
			if len(args) > 1 {
				salt = string(args[1].(Str))
			}
			sum := sha256.Sum256([]byte(salt + text))
			return Ok(Str(salt + "$" + hex.EncodeToString(sum[:])))
		}})

	return r
}
