package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ---------------------------------------------------------------------------
// Interpreter: bytecode execution engine
// ---------------------------------------------------------------------------

// StepKind classifies why the interpreter returned control.
type StepKind uint8

const (
	// StepDone means the outermost frame returned; Value holds the result.
	StepDone StepKind = iota
	// StepAborted means an uncaught error escaped the outermost frame;
	// Raise holds the error and its traceback.
	StepAborted
	// StepTicksExhausted means the tick budget reached zero.
	StepTicksExhausted
	// StepDeadlineExceeded means the wall-clock deadline passed.
	StepDeadlineExceeded
	// StepSuspend means guest code relinquished execution; Delay holds
	// the minimum seconds to wait.
	StepSuspend
	// StepSuspendRead means guest code is blocked awaiting input.
	StepSuspendRead
	// StepSuspendExternal means a builtin was offloaded to a worker;
	// External holds the call.
	StepSuspendExternal
)

// StepResult is what one interpreter slice reports back to the task
// controller.
type StepResult struct {
	Kind     StepKind
	Value    Value
	Raise    *Raise
	Delay    float64
	External *ExternalCall
}

// Budget is a slice's resource allowance. The interpreter debits one
// tick per opcode and checks the wall-clock deadline periodically,
// since a single opcode over a large value can consume disproportionate
// real time.
type Budget struct {
	Ticks    int
	Deadline time.Time
}

// ForkRequest records a fork scheduled during a slice. The frame is a
// fresh activation of the fork stream seeded with a copy of the parent's
// bindings; the parent continues unblocked.
type ForkRequest struct {
	Frame  *Frame
	Delay  float64
	TaskID string
}

// Interpreter executes bytecode against the top frame of one task's call
// stack. It is resumable: verb calls push frames rather than recursing,
// so the entire execution state lives in Frames and can be captured as a
// continuation at any suspension point.
type Interpreter struct {
	Frames   []*Frame
	Store    Store
	Builtins *Registry
	MaxDepth int

	// Task environment for builtins and forks.
	TaskID    string
	Tasks     TaskControl
	Notify    func(player ObjID, text string)
	NewTaskID func() string
	Now       func() time.Time
	Rand      *rand.Rand

	forks    []ForkRequest
	injected *Raise
	steps    uint64
}

// NewInterpreter creates an interpreter bound to a store and builtin
// table.
func NewInterpreter(store Store, builtins *Registry, maxDepth int) *Interpreter {
	return &Interpreter{
		Store:    store,
		Builtins: builtins,
		MaxDepth: maxDepth,
		Now:      time.Now,
		Rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Activation describes the identity bindings for a new top-level call.
type Activation struct {
	Player     ObjID
	This       ObjID
	Caller     ObjID
	Programmer ObjID
	Definer    ObjID
	Verb       string
	Args       List
	Catchable  bool
}

// PushCall pushes an activation of a program's main stream.
func (in *Interpreter) PushCall(p *Program, act Activation) {
	f := NewFrame(p, 0)
	in.seedFrame(f, act)
	in.Frames = append(in.Frames, f)
}

// PushForkFrame installs a previously captured fork activation as the
// task's only frame.
func (in *Interpreter) PushForkFrame(f *Frame) {
	in.Frames = append(in.Frames, f)
}

// seedFrame applies identity bindings and the conventional variables.
func (in *Interpreter) seedFrame(f *Frame, act Activation) {
	f.Player = act.Player
	f.This = act.This
	f.Caller = act.Caller
	f.Programmer = act.Programmer
	f.Definer = act.Definer
	f.Verb = act.Verb
	f.Catchable = act.Catchable
	f.BindVar("player", Obj(act.Player))
	f.BindVar("this", Obj(act.This))
	f.BindVar("caller", Obj(act.Caller))
	f.BindVar("verb", Str(act.Verb))
	f.BindVar("args", act.Args)
}

// Depth returns the current call-stack depth.
func (in *Interpreter) Depth() int { return len(in.Frames) }

// Traceback renders the current call chain, innermost first.
func (in *Interpreter) Traceback() []TracebackLine {
	out := make([]TracebackLine, 0, len(in.Frames))
	for i := len(in.Frames) - 1; i >= 0; i-- {
		out = append(out, in.Frames[i].tracebackLine())
	}
	return out
}

// Resume pushes the result of a completed suspension onto the operand
// stack, standing in for the suspended builtin's return value.
func (in *Interpreter) Resume(v Value) {
	in.topFrame().push(v)
}

// ResumeRaise injects an error at the resumption point, as when an
// offloaded builtin failed on the worker.
func (in *Interpreter) ResumeRaise(r *Raise) {
	in.injected = r
}

// TakeForks drains the fork requests recorded during the last slice.
func (in *Interpreter) TakeForks() []ForkRequest {
	out := in.forks
	in.forks = nil
	return out
}

func (in *Interpreter) topFrame() *Frame {
	if len(in.Frames) == 0 {
		panic("interpreter: no active frame")
	}
	return in.Frames[len(in.Frames)-1]
}

// ---------------------------------------------------------------------------
// Operand readers
// ---------------------------------------------------------------------------

func (in *Interpreter) readU8(f *Frame) byte {
	b := f.code()[f.IP]
	f.IP++
	return b
}

func (in *Interpreter) readU16(f *Frame) uint16 {
	v := binary.LittleEndian.Uint16(f.code()[f.IP:])
	f.IP += 2
	return v
}

func (in *Interpreter) readI16(f *Frame) int16 {
	return int16(in.readU16(f))
}

// ---------------------------------------------------------------------------
// Control transfers
// ---------------------------------------------------------------------------

// raiseCode raises a code with its default message.
func (in *Interpreter) raiseCode(code Code) *StepResult {
	return in.raise(NewRaise(code))
}

// raise starts error propagation from the current position. It returns
// nil when control transferred to a handler, a squelched substitution,
// or a cleanup body; otherwise the error escaped the outermost frame and
// the returned result aborts the task.
func (in *Interpreter) raise(r *Raise) *StepResult {
	r.Traceback = append(r.Traceback, in.topFrame().tracebackLine())
	return in.continueRaise(r)
}

// doReturn completes a verb return, running any cleanup scopes still
// active in the returning frame first. Returns non-nil when the
// outermost frame returned, completing the task.
func (in *Interpreter) doReturn(v Value) *StepResult {
	f := in.topFrame()
	for len(f.Scopes) > 0 {
		s := f.popScope()
		if s.Kind == ScopeCleanup {
			f.truncate(s.Depth)
			f.Pending = append(f.Pending, Transfer{Kind: TransferReturn, Value: v})
			f.IP = s.PC
			return nil
		}
	}
	in.Frames = in.Frames[:len(in.Frames)-1]
	if len(in.Frames) == 0 {
		return &StepResult{Kind: StepDone, Value: v}
	}
	in.topFrame().push(v)
	return nil
}

// doExit performs an early loop exit or skip: cleanup scopes between the
// exit site and the loop run first, then the operand stack is cut to the
// recorded depth and control moves to the target.
func (in *Interpreter) doExit(scopes, depth, pc int) {
	f := in.topFrame()
	for len(f.Scopes) > scopes {
		s := f.popScope()
		if s.Kind == ScopeCleanup {
			f.truncate(s.Depth)
			f.Pending = append(f.Pending, Transfer{
				Kind: TransferExit, PC: pc, Depth: depth, Scopes: scopes,
			})
			f.IP = s.PC
			return
		}
	}
	f.truncate(depth)
	f.IP = pc
}

// resumeTransfer re-performs a transfer interrupted by a cleanup body.
func (in *Interpreter) resumeTransfer(t Transfer) *StepResult {
	switch t.Kind {
	case TransferFallthrough:
		return nil
	case TransferReturn:
		return in.doReturn(t.Value)
	case TransferRaise:
		return in.continueRaise(t.Raise)
	case TransferExit:
		in.doExit(t.Scopes, t.Depth, t.PC)
		return nil
	}
	panic(fmt.Sprintf("interpreter: unknown transfer kind %d", t.Kind))
}

// continueRaise propagates an error whose traceback already includes the
// current frame, unwinding scopes innermost-first and then frames until
// a matching handler, a squelched substitution, or the bottom of the
// stack. Scopes are popped only when control actually transfers out of
// them: a squelched frame with no matching handler substitutes the error
// value in place and leaves its scope stack intact.
func (in *Interpreter) continueRaise(r *Raise) *StepResult {
	for {
		f := in.topFrame()
		if !f.Catchable && !f.handlerMatches(r.Code) {
			f.push(Err(r.Code))
			return nil
		}
		for len(f.Scopes) > 0 {
			s := f.popScope()
			switch s.Kind {
			case ScopeCatch:
				if s.Matches(r.Code) {
					f.truncate(s.Depth)
					f.push(r.Payload())
					f.IP = s.PC
					return nil
				}
			case ScopeCatchExpr:
				if s.Matches(r.Code) {
					f.truncate(s.Depth)
					f.push(Err(r.Code))
					f.IP = s.PC
					return nil
				}
			case ScopeCleanup:
				f.truncate(s.Depth)
				f.Pending = append(f.Pending, Transfer{Kind: TransferRaise, Raise: r})
				f.IP = s.PC
				return nil
			}
		}
		in.Frames = in.Frames[:len(in.Frames)-1]
		if len(in.Frames) == 0 {
			return &StepResult{Kind: StepAborted, Raise: r}
		}
		r.Traceback = append(r.Traceback, in.topFrame().tracebackLine())
	}
}

// ---------------------------------------------------------------------------
// Main loop
// ---------------------------------------------------------------------------

// Run executes opcodes until the budget runs out, a suspension primitive
// fires, or the task completes or aborts. The only interruption points
// are the ones Run reports; execution never stops mid-opcode.
func (in *Interpreter) Run(b *Budget) StepResult {
	if in.injected != nil {
		r := in.injected
		in.injected = nil
		if res := in.raise(r); res != nil {
			return *res
		}
	}

	for {
		if b.Ticks <= 0 {
			return StepResult{Kind: StepTicksExhausted}
		}
		b.Ticks--
		in.steps++
		if in.steps&63 == 0 && !b.Deadline.IsZero() && in.Now().After(b.Deadline) {
			return StepResult{Kind: StepDeadlineExceeded}
		}

		f := in.topFrame()
		code := f.code()
		if f.IP >= len(code) {
			// Implicit zero return at end of stream.
			if res := in.doReturn(Int(0)); res != nil {
				return *res
			}
			continue
		}

		op := Opcode(code[f.IP])
		f.IP++

		switch op {
		case OpNop:

		case OpPop:
			f.pop()

		case OpDup:
			f.push(f.top())

		case OpPushInt8:
			f.push(Int(int8(in.readU8(f))))

		case OpPushLiteral:
			idx := in.readU16(f)
			if int(idx) >= len(f.Program.Literals) {
				panic(fmt.Sprintf("interpreter: literal index %d out of bounds (len=%d)",
					idx, len(f.Program.Literals)))
			}
			f.push(f.Program.Literals[idx])

		case OpPushVar:
			slot := in.readU8(f)
			v := f.Slots[slot]
			if v == nil {
				if res := in.raise(RaiseWith(ErrVarNF,
					fmt.Sprintf("Variable `%s' not found", f.Program.VarNames[slot]))); res != nil {
					return *res
				}
				continue
			}
			f.push(v)

		case OpStoreVar:
			slot := in.readU8(f)
			f.Slots[slot] = f.top()

		case OpClearVar:
			slot := in.readU8(f)
			f.Slots[slot] = nil

		case OpJumpIfBound:
			slot := in.readU8(f)
			offset := in.readI16(f)
			if f.Slots[slot] != nil {
				f.IP += int(offset)
			}

		case OpAdd, OpSub, OpMul, OpDiv, OpMod,
			OpEq, OpNe, OpLt, OpLe, OpGt, OpGe,
			OpBitAnd, OpBitOr, OpBitXor, OpBitShl, OpBitShr:
			bv := f.pop()
			av := f.pop()
			result, code := binaryOp(op, av, bv)
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			f.push(result)

		case OpNeg:
			switch v := f.pop().(type) {
			case Int:
				f.push(Int(-v))
			case Float:
				f.push(Float(-v))
			default:
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}

		case OpNot:
			if f.pop().Truth() {
				f.push(Int(0))
			} else {
				f.push(Int(1))
			}

		case OpIndex:
			iv := f.pop()
			sv := f.pop()
			result, code := indexGet(sv, iv)
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			f.push(result)

		case OpIndexSet:
			nv := f.pop()
			iv := f.pop()
			sv := f.pop()
			result, code := indexSet(sv, iv, nv)
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			f.push(result)

		case OpRangeGet:
			tv := f.pop()
			fv := f.pop()
			sv := f.pop()
			result, code := rangeGet(sv, fv, tv)
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			f.push(result)

		case OpRangeSet:
			rv := f.pop()
			tv := f.pop()
			fv := f.pop()
			sv := f.pop()
			result, code := rangeSet(sv, fv, tv, rv)
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			f.push(result)

		case OpIn:
			sv := f.pop()
			ev := f.pop()
			result, code := membership(ev, sv)
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			f.push(result)

		case OpMakeList:
			n := int(in.readU16(f))
			elems := make([]Value, n)
			for i := n - 1; i >= 0; i-- {
				elems[i] = f.pop()
			}
			f.push(listFromOwned(elems))

		case OpMakeMap:
			n := int(in.readU16(f))
			pairs := make([]MapPair, n)
			for i := n - 1; i >= 0; i-- {
				pairs[i].Value = f.pop()
				pairs[i].Key = f.pop()
			}
			m := NewMap()
			bad := false
			for _, p := range pairs {
				if !ScalarKey(p.Key) {
					bad = true
					break
				}
				m = m.Set(p.Key, p.Value)
			}
			if bad {
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			f.push(m)

		case OpListAppend:
			ev := f.pop()
			lv, ok := f.pop().(List)
			if !ok {
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			f.push(lv.Append(ev))

		case OpLength:
			switch v := f.pop().(type) {
			case Str:
				f.push(Int(len(v)))
			case List:
				f.push(Int(v.Len()))
			case Map:
				f.push(Int(v.Len()))
			default:
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}

		case OpGetProp:
			nv := f.pop()
			ov := f.pop()
			name, ok := nv.(Str)
			if !ok {
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			obj, ok := ov.(Obj)
			if !ok {
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			info, code := in.Store.GetProp(ObjID(obj), string(name))
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			if !CanRead(info.Readable, info.Owner, f.Programmer, in.Store) {
				if res := in.raiseCode(ErrPerm); res != nil {
					return *res
				}
				continue
			}
			f.push(info.Value)

		case OpPutProp:
			vv := f.pop()
			nv := f.pop()
			ov := f.pop()
			name, nameOK := nv.(Str)
			obj, objOK := ov.(Obj)
			if !nameOK || !objOK {
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			info, code := in.Store.GetProp(ObjID(obj), string(name))
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			if !CanWrite(info.Writable, info.Owner, f.Programmer, in.Store) {
				if res := in.raiseCode(ErrPerm); res != nil {
					return *res
				}
				continue
			}
			if code := in.Store.SetProp(ObjID(obj), string(name), vv); code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			f.push(vv)

		case OpCallVerb:
			argv := f.pop()
			nv := f.pop()
			ov := f.pop()
			args, argsOK := argv.(List)
			name, nameOK := nv.(Str)
			obj, objOK := ov.(Obj)
			if !argsOK || !nameOK || !objOK {
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			if len(in.Frames) >= in.MaxDepth {
				if res := in.raiseCode(ErrMaxDepth); res != nil {
					return *res
				}
				continue
			}
			info, code := in.Store.ResolveVerb(ObjID(obj), string(name))
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			if !info.Executable {
				if res := in.raiseCode(ErrVerbNF); res != nil {
					return *res
				}
				continue
			}
			callee := NewFrame(info.Program, 0)
			in.seedFrame(callee, Activation{
				Player:     f.Player,
				This:       ObjID(obj),
				Caller:     f.This,
				Programmer: info.Owner,
				Definer:    info.Definer,
				Verb:       string(name),
				Args:       args,
				Catchable:  info.Debug,
			})
			in.Frames = append(in.Frames, callee)

		case OpCallBuiltin:
			nameIdx := in.readU16(f)
			argv := f.pop()
			args, ok := argv.(List)
			if !ok {
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			name := string(f.Program.Literals[nameIdx].(Str))
			result := in.callBuiltin(f, name, args.Elems())
			switch result.Kind {
			case BuiltinValue:
				f.push(result.Value)
			case BuiltinRaise:
				if res := in.raise(result.Raise); res != nil {
					return *res
				}
			case BuiltinSuspend:
				return StepResult{Kind: StepSuspend, Delay: result.Delay}
			case BuiltinRead:
				return StepResult{Kind: StepSuspendRead}
			case BuiltinExternal:
				return StepResult{Kind: StepSuspendExternal, External: result.External}
			}

		case OpJump:
			offset := in.readI16(f)
			f.IP += int(offset)

		case OpJumpTrue:
			offset := in.readI16(f)
			if f.pop().Truth() {
				f.IP += int(offset)
			}

		case OpJumpFalse:
			offset := in.readI16(f)
			if !f.pop().Truth() {
				f.IP += int(offset)
			}

		case OpForRange:
			slot := in.readU8(f)
			offset := in.readI16(f)
			cur, curOK := f.top().(Int)
			to, toOK := f.Stack[len(f.Stack)-2].(Int)
			if !curOK || !toOK {
				f.pop()
				f.pop()
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			if int64(cur) > int64(to) {
				f.pop()
				f.pop()
				f.IP += int(offset)
				continue
			}
			f.Slots[slot] = cur
			f.Stack[len(f.Stack)-1] = cur + 1

		case OpForSeq:
			valSlot := in.readU8(f)
			keySlot := in.readU8(f)
			offset := in.readI16(f)
			idx, idxOK := f.top().(Int)
			if !idxOK {
				panic("interpreter: FOR_SEQ index is not an int")
			}
			seq := f.Stack[len(f.Stack)-2]
			var length int
			switch s := seq.(type) {
			case List:
				length = s.Len()
			case Map:
				length = s.Len()
			default:
				f.pop()
				f.pop()
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			if int(idx) > length {
				f.pop()
				f.pop()
				f.IP += int(offset)
				continue
			}
			switch s := seq.(type) {
			case List:
				f.Slots[valSlot] = s.At(int(idx))
				if keySlot != 0xFF {
					f.Slots[keySlot] = idx
				}
			case Map:
				pair := s.PairAt(int(idx))
				f.Slots[valSlot] = pair.Value
				if keySlot != 0xFF {
					f.Slots[keySlot] = pair.Key
				}
			}
			f.Stack[len(f.Stack)-1] = idx + 1

		case OpExit:
			depth := int(in.readU8(f))
			scopes := int(in.readU8(f))
			offset := in.readI16(f)
			in.doExit(scopes, depth, f.IP+int(offset))

		case OpReturn:
			v := f.pop()
			if res := in.doReturn(v); res != nil {
				return *res
			}

		case OpTryCatch:
			offset := in.readI16(f)
			codes := f.pop()
			f.pushScope(ScopeCatch, codes, f.IP+int(offset))

		case OpEndTry:
			n := int(in.readU8(f))
			for i := 0; i < n; i++ {
				f.popScope()
			}

		case OpTryFinally:
			offset := in.readI16(f)
			f.pushScope(ScopeCleanup, nil, f.IP+int(offset))

		case OpEndFinally:
			s := f.popScope()
			if s.Kind != ScopeCleanup {
				panic("interpreter: END_FINALLY without cleanup scope")
			}
			f.Pending = append(f.Pending, Transfer{Kind: TransferFallthrough})
			f.IP = s.PC

		case OpFinallyDone:
			if len(f.Pending) == 0 {
				panic("interpreter: FINALLY_DONE without pending transfer")
			}
			t := f.Pending[len(f.Pending)-1]
			f.Pending = f.Pending[:len(f.Pending)-1]
			if res := in.resumeTransfer(t); res != nil {
				return *res
			}

		case OpCatchPush:
			offset := in.readI16(f)
			codes := f.pop()
			f.pushScope(ScopeCatchExpr, codes, f.IP+int(offset))

		case OpCatchPop:
			f.popScope()

		case OpScatter:
			specIdx := in.readU16(f)
			argv := f.pop()
			args, ok := argv.(List)
			if !ok {
				if res := in.raiseCode(ErrType); res != nil {
					return *res
				}
				continue
			}
			if code := scatterBind(f, f.Program.Scatters[specIdx], args); code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}

		case OpFork:
			stream := int(in.readU8(f))
			slot := in.readU8(f)
			dv := f.pop()
			delay, code := delaySeconds(dv)
			if code != ErrNone {
				if res := in.raiseCode(code); res != nil {
					return *res
				}
				continue
			}
			if in.Tasks != nil && in.Tasks.AtQuota(f.Programmer) {
				if res := in.raiseCode(ErrQuota); res != nil {
					return *res
				}
				continue
			}
			child := NewFrame(f.Program, stream+1)
			copy(child.Slots, f.Slots)
			child.Player = f.Player
			child.This = f.This
			child.Caller = f.Caller
			child.Programmer = f.Programmer
			child.Definer = f.Definer
			child.Verb = f.Verb
			child.Catchable = f.Catchable
			taskID := ""
			if in.NewTaskID != nil {
				taskID = in.NewTaskID()
			}
			if slot != 0xFF {
				f.Slots[slot] = Str(taskID)
				child.Slots[slot] = Str(taskID)
			}
			in.forks = append(in.forks, ForkRequest{Frame: child, Delay: delay, TaskID: taskID})

		default:
			panic(fmt.Sprintf("interpreter: unknown opcode %02X", byte(op)))
		}
	}
}

// callBuiltin dispatches through the capability table, validating arity
// and types before the body runs.
func (in *Interpreter) callBuiltin(f *Frame, name string, args []Value) BuiltinResult {
	b, ok := in.Builtins.Lookup(name)
	if !ok {
		return FailWith(ErrVerbNF, fmt.Sprintf("Unknown built-in function: %s", name))
	}
	if r := b.CheckArgs(args); r != nil {
		return BuiltinResult{Kind: BuiltinRaise, Raise: r}
	}
	ctx := &BuiltinContext{
		Store:      in.Store,
		TaskID:     in.TaskID,
		Player:     f.Player,
		Programmer: f.Programmer,
		Tasks:      in.Tasks,
		Notify:     in.Notify,
		Now:        in.Now,
		Rand:       in.Rand,
	}
	if b.Offloadable {
		return BuiltinResult{Kind: BuiltinExternal, External: &ExternalCall{
			Name: name,
			Args: args,
			Run:  func() BuiltinResult { return b.Fn(ctx, args) },
		}}
	}
	return b.Fn(ctx, args)
}

// ---------------------------------------------------------------------------
// Operator semantics
// ---------------------------------------------------------------------------

// binaryOp applies one arithmetic, comparison, or bitwise operator.
// Operand types must agree; there is no implicit numeric coercion.
func binaryOp(op Opcode, a, b Value) (Value, Code) {
	switch op {
	case OpEq:
		return boolInt(Equal(a, b)), ErrNone
	case OpNe:
		return boolInt(!Equal(a, b)), ErrNone
	case OpLt, OpLe, OpGt, OpGe:
		if a.Type() != b.Type() || !ScalarKey(a) {
			return nil, ErrType
		}
		c := CompareKeys(a, b)
		switch op {
		case OpLt:
			return boolInt(c < 0), ErrNone
		case OpLe:
			return boolInt(c <= 0), ErrNone
		case OpGt:
			return boolInt(c > 0), ErrNone
		default:
			return boolInt(c >= 0), ErrNone
		}
	case OpBitAnd, OpBitOr, OpBitXor, OpBitShl, OpBitShr:
		x, xOK := a.(Int)
		y, yOK := b.(Int)
		if !xOK || !yOK {
			return nil, ErrType
		}
		switch op {
		case OpBitAnd:
			return x & y, ErrNone
		case OpBitOr:
			return x | y, ErrNone
		case OpBitXor:
			return x ^ y, ErrNone
		case OpBitShl:
			if y < 0 || y >= 64 {
				return nil, ErrInvArg
			}
			return x << uint(y), ErrNone
		default:
			if y < 0 || y >= 64 {
				return nil, ErrInvArg
			}
			return Int(uint64(x) >> uint(y)), ErrNone
		}
	}

	switch x := a.(type) {
	case Int:
		y, ok := b.(Int)
		if !ok {
			return nil, ErrType
		}
		switch op {
		case OpAdd:
			return x + y, ErrNone
		case OpSub:
			return x - y, ErrNone
		case OpMul:
			return x * y, ErrNone
		case OpDiv:
			if y == 0 {
				return nil, ErrDiv
			}
			return x / y, ErrNone
		case OpMod:
			if y == 0 {
				return nil, ErrDiv
			}
			return x % y, ErrNone
		}
	case Float:
		y, ok := b.(Float)
		if !ok {
			return nil, ErrType
		}
		var raw float64
		switch op {
		case OpAdd:
			raw = float64(x) + float64(y)
		case OpSub:
			raw = float64(x) - float64(y)
		case OpMul:
			raw = float64(x) * float64(y)
		case OpDiv:
			raw = float64(x) / float64(y)
		case OpMod:
			if y == 0 {
				return nil, ErrDiv
			}
			raw = math.Mod(float64(x), float64(y))
		}
		return checkedFloat(raw)
	case Str:
		if op != OpAdd {
			return nil, ErrType
		}
		y, ok := b.(Str)
		if !ok {
			return nil, ErrType
		}
		return x + y, ErrNone
	case List:
		if op != OpAdd {
			return nil, ErrType
		}
		y, ok := b.(List)
		if !ok {
			return nil, ErrType
		}
		return x.Concat(y), ErrNone
	}
	return nil, ErrType
}

func checkedFloat(raw float64) (Value, Code) {
	v, code := CheckFloat(raw)
	if code != ErrNone {
		return nil, code
	}
	return v, ErrNone
}

func boolInt(b bool) Int {
	if b {
		return 1
	}
	return 0
}

// indexGet implements seq[i] over lists, strings, and maps.
func indexGet(seq, idx Value) (Value, Code) {
	switch s := seq.(type) {
	case List:
		i, ok := idx.(Int)
		if !ok {
			return nil, ErrType
		}
		if i < 1 || int(i) > s.Len() {
			return nil, ErrRange
		}
		return s.At(int(i)), ErrNone
	case Str:
		i, ok := idx.(Int)
		if !ok {
			return nil, ErrType
		}
		if i < 1 || int(i) > len(s) {
			return nil, ErrRange
		}
		return s[i-1 : i], ErrNone
	case Map:
		if !ScalarKey(idx) {
			return nil, ErrType
		}
		v, ok := s.Get(idx)
		if !ok {
			return nil, ErrRange
		}
		return v, ErrNone
	}
	return nil, ErrType
}

// indexSet implements seq[i] = v: it always yields a new sequence value.
func indexSet(seq, idx, v Value) (Value, Code) {
	switch s := seq.(type) {
	case List:
		i, ok := idx.(Int)
		if !ok {
			return nil, ErrType
		}
		if i < 1 || int(i) > s.Len() {
			return nil, ErrRange
		}
		return s.Set(int(i), v), ErrNone
	case Str:
		i, ok := idx.(Int)
		if !ok {
			return nil, ErrType
		}
		r, rOK := v.(Str)
		if !rOK || len(r) != 1 {
			return nil, ErrInvArg
		}
		if i < 1 || int(i) > len(s) {
			return nil, ErrRange
		}
		return s[:i-1] + r + s[i:], ErrNone
	case Map:
		if !ScalarKey(idx) {
			return nil, ErrType
		}
		return s.Set(idx, v), ErrNone
	}
	return nil, ErrType
}

// rangeGet implements seq[from..to].
func rangeGet(seq, fromV, toV Value) (Value, Code) {
	from, fromOK := fromV.(Int)
	to, toOK := toV.(Int)
	if !fromOK || !toOK {
		return nil, ErrType
	}
	switch s := seq.(type) {
	case List:
		if from > to {
			return NewList(), ErrNone
		}
		if from < 1 || int(to) > s.Len() {
			return nil, ErrRange
		}
		return s.Slice(int(from), int(to)), ErrNone
	case Str:
		if from > to {
			return Str(""), ErrNone
		}
		if from < 1 || int(to) > len(s) {
			return nil, ErrRange
		}
		return s[from-1 : to], ErrNone
	}
	return nil, ErrType
}

// rangeSet implements seq[from..to] = repl, yielding a new sequence.
func rangeSet(seq, fromV, toV, repl Value) (Value, Code) {
	from, fromOK := fromV.(Int)
	to, toOK := toV.(Int)
	if !fromOK || !toOK {
		return nil, ErrType
	}
	switch s := seq.(type) {
	case List:
		r, ok := repl.(List)
		if !ok {
			return nil, ErrType
		}
		if from < 1 || int(to) > s.Len() || from > to+1 {
			return nil, ErrRange
		}
		if from > to {
			// Pure insertion before from.
			return s.SpliceReplace(int(from), int(from)-1, r), ErrNone
		}
		return s.SpliceReplace(int(from), int(to), r), ErrNone
	case Str:
		r, ok := repl.(Str)
		if !ok {
			return nil, ErrType
		}
		if from < 1 || int(to) > len(s) || from > to+1 {
			return nil, ErrRange
		}
		if from > to {
			return s[:from-1] + r + s[from-1:], ErrNone
		}
		return s[:from-1] + r + s[to:], ErrNone
	}
	return nil, ErrType
}

// membership implements `e in seq`: the 1-based position, or 0.
func membership(e, seq Value) (Value, Code) {
	switch s := seq.(type) {
	case List:
		return Int(s.Index(e)), ErrNone
	case Str:
		sub, ok := e.(Str)
		if !ok {
			return nil, ErrType
		}
		return Int(strIndex(string(s), string(sub))), ErrNone
	case Map:
		if !ScalarKey(e) {
			return nil, ErrType
		}
		return boolInt(s.HasKey(e)), ErrNone
	}
	return nil, ErrType
}

// strIndex returns the 1-based position of sub in s, or 0.
func strIndex(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if equalFoldASCII(s[i:i+len(sub)], sub) {
			return i + 1
		}
	}
	return 0
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// delaySeconds converts a fork/suspend delay operand.
func delaySeconds(v Value) (float64, Code) {
	var d float64
	switch n := v.(type) {
	case Int:
		d = float64(n)
	case Float:
		d = float64(n)
	default:
		return 0, ErrType
	}
	if d < 0 {
		return 0, ErrInvArg
	}
	return d, ErrNone
}

// scatterBind performs a destructuring assignment: required targets bind
// a fixed prefix, optional targets bind left-to-right while values
// remain (unfilled ones are left unbound for the default chain), and a
// rest target collects the leftovers.
func scatterBind(f *Frame, spec ScatterSpec, args List) Code {
	required, optional, hasRest := spec.Counts()
	n := args.Len()
	if n < required {
		return ErrArgs
	}
	if !hasRest && n > required+optional {
		return ErrArgs
	}

	optAvail := n - required
	if hasRest && optAvail > optional {
		optAvail = optional
	}
	restLen := n - required - optAvail

	cursor := 1
	for _, t := range spec.Targets {
		switch t.Kind {
		case TargetRequired:
			f.Slots[t.Slot] = args.At(cursor)
			cursor++
		case TargetOptional:
			if optAvail > 0 {
				f.Slots[t.Slot] = args.At(cursor)
				cursor++
				optAvail--
			} else {
				f.Slots[t.Slot] = nil
			}
		case TargetRest:
			f.Slots[t.Slot] = args.Slice(cursor, cursor+restLen-1)
			cursor += restLen
		}
	}
	return ErrNone
}
