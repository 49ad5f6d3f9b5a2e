package vm

import (
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

type fakeObject struct {
	parent   ObjID
	owner    ObjID
	wizard   bool
	location ObjID
	props    map[string]PropInfo
	verbs    map[string]VerbInfo
}

// fakeStore is a minimal in-memory Store for interpreter tests; the real
// snapshot-scoped implementation lives in the db package.
type fakeStore struct {
	objects map[ObjID]*fakeObject
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[ObjID]*fakeObject)}
}

func (s *fakeStore) add(id, parent, owner ObjID) *fakeObject {
	o := &fakeObject{
		parent:   parent,
		owner:    owner,
		location: -1,
		props:    make(map[string]PropInfo),
		verbs:    make(map[string]VerbInfo),
	}
	s.objects[id] = o
	return o
}

func (s *fakeStore) Valid(obj ObjID) bool {
	_, ok := s.objects[obj]
	return ok
}

func (s *fakeStore) IsWizard(obj ObjID) bool {
	o, ok := s.objects[obj]
	return ok && o.wizard
}

func (s *fakeStore) OwnerOf(obj ObjID) (ObjID, Code) {
	o, ok := s.objects[obj]
	if !ok {
		return -1, ErrInvInd
	}
	return o.owner, ErrNone
}

func (s *fakeStore) ParentOf(obj ObjID) (ObjID, Code) {
	o, ok := s.objects[obj]
	if !ok {
		return -1, ErrInvInd
	}
	return o.parent, ErrNone
}

func (s *fakeStore) ChildrenOf(obj ObjID) ([]ObjID, Code) {
	if !s.Valid(obj) {
		return nil, ErrInvInd
	}
	var out []ObjID
	for id, o := range s.objects {
		if o.parent == obj {
			out = append(out, id)
		}
	}
	return out, ErrNone
}

func (s *fakeStore) GetProp(obj ObjID, name string) (PropInfo, Code) {
	for id := obj; ; {
		o, ok := s.objects[id]
		if !ok {
			return PropInfo{}, ErrInvInd
		}
		if p, ok := o.props[name]; ok {
			return p, ErrNone
		}
		if o.parent < 0 {
			return PropInfo{}, ErrPropNF
		}
		id = o.parent
	}
}

func (s *fakeStore) SetProp(obj ObjID, name string, v Value) Code {
	for id := obj; ; {
		o, ok := s.objects[id]
		if !ok {
			return ErrInvInd
		}
		if p, ok := o.props[name]; ok {
			p.Value = v
			o.props[name] = p
			return ErrNone
		}
		if o.parent < 0 {
			return ErrPropNF
		}
		id = o.parent
	}
}

func (s *fakeStore) ResolveVerb(obj ObjID, name string) (VerbInfo, Code) {
	for id := obj; ; {
		o, ok := s.objects[id]
		if !ok {
			return VerbInfo{}, ErrInvInd
		}
		if v, ok := o.verbs[name]; ok {
			return v, ErrNone
		}
		if o.parent < 0 {
			return VerbInfo{}, ErrVerbNF
		}
		id = o.parent
	}
}

func (s *fakeStore) Move(what, to ObjID) Code {
	if !s.Valid(what) || (to >= 0 && !s.Valid(to)) {
		return ErrInvInd
	}
	for id := to; id >= 0; {
		if id == what {
			return ErrRecMove
		}
		id = s.objects[id].location
	}
	s.objects[what].location = to
	return ErrNone
}

// baseWorld builds a store with a player (#2) and two rooms (#10, #20).
func baseWorld() *fakeStore {
	s := newFakeStore()
	s.add(2, -1, 2)
	s.add(10, -1, 2)
	s.add(20, -1, 2)
	return s
}

func newTestInterp(store Store) *Interpreter {
	in := NewInterpreter(store, StockRegistry(), 50)
	in.TaskID = "test-task"
	return in
}

func pushTest(in *Interpreter, p *Program) {
	in.PushCall(p, Activation{
		Player:     2,
		This:       10,
		Caller:     2,
		Programmer: 2,
		Definer:    10,
		Verb:       "test",
		Args:       NewList(),
		Catchable:  true,
	})
}

func runProgram(t *testing.T, p *Program) StepResult {
	t.Helper()
	in := newTestInterp(baseWorld())
	pushTest(in, p)
	return in.Run(&Budget{Ticks: 100000})
}

func wantDone(t *testing.T, res StepResult) Value {
	t.Helper()
	if res.Kind != StepDone {
		t.Fatalf("kind = %d, want StepDone (raise: %v)", res.Kind, res.Raise)
	}
	return res.Value
}

func wantAbort(t *testing.T, res StepResult, code Code) *Raise {
	t.Helper()
	if res.Kind != StepAborted {
		t.Fatalf("kind = %d, want StepAborted", res.Kind)
	}
	if res.Raise.Code != code {
		t.Fatalf("code = %v, want %v", res.Raise.Code, code)
	}
	return res.Raise
}

func wantInt(t *testing.T, v Value, n int64) {
	t.Helper()
	i, ok := v.(Int)
	if !ok {
		t.Fatalf("value = %v, want int %d", v, n)
	}
	if int64(i) != n {
		t.Fatalf("value = %d, want %d", int64(i), n)
	}
}

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestReturnInt(t *testing.T) {
	b := NewProgramBuilder()
	b.Code().EmitInt8(OpPushInt8, 42)
	b.Code().Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 42)
}

func TestArithmetic(t *testing.T) {
	// (3 + 4) * 2 - 5
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitInt8(OpPushInt8, 3)
	cb.EmitInt8(OpPushInt8, 4)
	cb.Emit(OpAdd)
	cb.EmitInt8(OpPushInt8, 2)
	cb.Emit(OpMul)
	cb.EmitInt8(OpPushInt8, 5)
	cb.Emit(OpSub)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 9)
}

func TestDivisionByZeroAborts(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpDiv)
	cb.Emit(OpReturn)

	r := wantAbort(t, runProgram(t, b.Build()), ErrDiv)
	if len(r.Traceback) == 0 {
		t.Fatal("traceback is empty")
	}
	if r.Traceback[0].Verb != "test" {
		t.Errorf("traceback verb = %q, want test", r.Traceback[0].Verb)
	}
}

func TestMixedTypeAddAborts(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitUint16(OpPushLiteral, b.Literal(Float(2.0)))
	cb.Emit(OpAdd)
	cb.Emit(OpReturn)

	wantAbort(t, runProgram(t, b.Build()), ErrType)
}

func TestFloatOverflowAborts(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	big := b.Literal(Float(1e308))
	cb.EmitUint16(OpPushLiteral, big)
	cb.EmitUint16(OpPushLiteral, big)
	cb.Emit(OpMul)
	cb.Emit(OpReturn)

	wantAbort(t, runProgram(t, b.Build()), ErrFloat)
}

func TestStringConcatAndCompare(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("foo")))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("BAR")))
	cb.Emit(OpAdd)
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("FOObar")))
	cb.Emit(OpEq)
	cb.Emit(OpReturn)

	// String equality is case-insensitive.
	wantInt(t, wantDone(t, runProgram(t, b.Build())), 1)
}

func TestUnboundVariableAborts(t *testing.T) {
	b := NewProgramBuilder()
	slot := b.Var("x")
	b.Code().EmitByte(OpPushVar, slot)
	b.Code().Emit(OpReturn)

	wantAbort(t, runProgram(t, b.Build()), ErrVarNF)
}

func TestStoreAndLoadVariable(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	slot := b.Var("x")
	cb.EmitInt8(OpPushInt8, 7)
	cb.EmitByte(OpStoreVar, slot)
	cb.Emit(OpPop)
	cb.EmitByte(OpPushVar, slot)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 7)
}

func TestConditional(t *testing.T) {
	// if (3 > 2) return 1; else return 2;
	b := NewProgramBuilder()
	cb := b.Code()
	elseL := cb.NewLabel()
	cb.EmitInt8(OpPushInt8, 3)
	cb.EmitInt8(OpPushInt8, 2)
	cb.Emit(OpGt)
	cb.EmitJump(OpJumpFalse, elseL)
	cb.EmitInt8(OpPushInt8, 1)
	cb.Emit(OpReturn)
	cb.Mark(elseL)
	cb.EmitInt8(OpPushInt8, 2)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 1)
}

func TestWhileLoop(t *testing.T) {
	// sum = 0; i = 1; while (i <= 5) sum = sum + i; i = i + 1; endwhile
	b := NewProgramBuilder()
	cb := b.Code()
	sum := b.Var("sum")
	i := b.Var("i")

	cb.EmitInt8(OpPushInt8, 0)
	cb.EmitByte(OpStoreVar, sum)
	cb.Emit(OpPop)
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitByte(OpStoreVar, i)
	cb.Emit(OpPop)

	head := cb.NewLabel()
	end := cb.NewLabel()
	cb.Mark(head)
	cb.EmitByte(OpPushVar, i)
	cb.EmitInt8(OpPushInt8, 5)
	cb.Emit(OpLe)
	cb.EmitJump(OpJumpFalse, end)
	cb.EmitByte(OpPushVar, sum)
	cb.EmitByte(OpPushVar, i)
	cb.Emit(OpAdd)
	cb.EmitByte(OpStoreVar, sum)
	cb.Emit(OpPop)
	cb.EmitByte(OpPushVar, i)
	cb.EmitInt8(OpPushInt8, 1)
	cb.Emit(OpAdd)
	cb.EmitByte(OpStoreVar, i)
	cb.Emit(OpPop)
	cb.EmitJump(OpJump, head)
	cb.Mark(end)
	cb.EmitByte(OpPushVar, sum)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 15)
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func TestForRange(t *testing.T) {
	// sum = 0; for i in [1..10] sum = sum + i; endfor
	b := NewProgramBuilder()
	cb := b.Code()
	sum := b.Var("sum")
	i := b.Var("i")

	cb.EmitInt8(OpPushInt8, 0)
	cb.EmitByte(OpStoreVar, sum)
	cb.Emit(OpPop)
	cb.EmitInt8(OpPushInt8, 10) // to
	cb.EmitInt8(OpPushInt8, 1)  // from

	head := cb.NewLabel()
	end := cb.NewLabel()
	cb.Mark(head)
	cb.EmitForRange(i, end)
	cb.EmitByte(OpPushVar, sum)
	cb.EmitByte(OpPushVar, i)
	cb.Emit(OpAdd)
	cb.EmitByte(OpStoreVar, sum)
	cb.Emit(OpPop)
	cb.EmitJump(OpJump, head)
	cb.Mark(end)
	cb.EmitByte(OpPushVar, sum)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 55)
}

func TestForRangeEmpty(t *testing.T) {
	// for i in [5..1] endfor; the body never runs
	b := NewProgramBuilder()
	cb := b.Code()
	i := b.Var("i")

	cb.EmitInt8(OpPushInt8, 1) // to
	cb.EmitInt8(OpPushInt8, 5) // from

	head := cb.NewLabel()
	end := cb.NewLabel()
	cb.Mark(head)
	cb.EmitForRange(i, end)
	cb.EmitInt8(OpPushInt8, 99)
	cb.Emit(OpReturn)
	cb.Mark(end)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 0)
}

func TestForSeqList(t *testing.T) {
	// sum = 0; for v in ({1, 2, 3}) sum = sum + v * 2; endfor
	b := NewProgramBuilder()
	cb := b.Code()
	sum := b.Var("sum")
	v := b.Var("v")
	seq := b.Literal(NewList(Int(1), Int(2), Int(3)))

	cb.EmitInt8(OpPushInt8, 0)
	cb.EmitByte(OpStoreVar, sum)
	cb.Emit(OpPop)
	cb.EmitUint16(OpPushLiteral, seq)
	cb.EmitInt8(OpPushInt8, 1) // iteration index

	head := cb.NewLabel()
	end := cb.NewLabel()
	cb.Mark(head)
	cb.EmitForSeq(v, 0xFF, end)
	cb.EmitByte(OpPushVar, sum)
	cb.EmitByte(OpPushVar, v)
	cb.EmitInt8(OpPushInt8, 2)
	cb.Emit(OpMul)
	cb.Emit(OpAdd)
	cb.EmitByte(OpStoreVar, sum)
	cb.Emit(OpPop)
	cb.EmitJump(OpJump, head)
	cb.Mark(end)
	cb.EmitByte(OpPushVar, sum)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 12)
}

func TestForSeqMap(t *testing.T) {
	// collect keys of ["a" -> 1, "b" -> 2] in key order
	m := NewMap().Set(Str("b"), Int(2)).Set(Str("a"), Int(1))

	b := NewProgramBuilder()
	cb := b.Code()
	out := b.Var("out")
	v := b.Var("v")
	k := b.Var("k")

	cb.EmitUint16(OpPushLiteral, b.Literal(NewList()))
	cb.EmitByte(OpStoreVar, out)
	cb.Emit(OpPop)
	cb.EmitUint16(OpPushLiteral, b.Literal(m))
	cb.EmitInt8(OpPushInt8, 1)

	head := cb.NewLabel()
	end := cb.NewLabel()
	cb.Mark(head)
	cb.EmitForSeq(v, k, end)
	cb.EmitByte(OpPushVar, out)
	cb.EmitByte(OpPushVar, k)
	cb.Emit(OpListAppend)
	cb.EmitByte(OpStoreVar, out)
	cb.Emit(OpPop)
	cb.EmitJump(OpJump, head)
	cb.Mark(end)
	cb.EmitByte(OpPushVar, out)
	cb.Emit(OpReturn)

	got := wantDone(t, runProgram(t, b.Build()))
	want := NewList(Str("a"), Str("b"))
	if !Equal(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
}

func TestForRangeBreak(t *testing.T) {
	// sum = 0; for i in [1..10] if (i == 5) break; endif sum = sum + i; endfor
	b := NewProgramBuilder()
	cb := b.Code()
	sum := b.Var("sum")
	i := b.Var("i")

	cb.EmitInt8(OpPushInt8, 0)
	cb.EmitByte(OpStoreVar, sum)
	cb.Emit(OpPop)
	cb.EmitInt8(OpPushInt8, 10)
	cb.EmitInt8(OpPushInt8, 1)

	head := cb.NewLabel()
	end := cb.NewLabel()
	skip := cb.NewLabel()
	cb.Mark(head)
	cb.EmitForRange(i, end)
	cb.EmitByte(OpPushVar, i)
	cb.EmitInt8(OpPushInt8, 5)
	cb.Emit(OpEq)
	cb.EmitJump(OpJumpFalse, skip)
	cb.EmitExit(0, 0, end)
	cb.Mark(skip)
	cb.EmitByte(OpPushVar, sum)
	cb.EmitByte(OpPushVar, i)
	cb.Emit(OpAdd)
	cb.EmitByte(OpStoreVar, sum)
	cb.Emit(OpPop)
	cb.EmitJump(OpJump, head)
	cb.Mark(end)
	cb.EmitByte(OpPushVar, sum)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 10)
}

// ---------------------------------------------------------------------------
// Sequences
// ---------------------------------------------------------------------------

func TestListIndexOutOfRangeAborts(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(NewList(Int(1), Int(2))))
	cb.EmitInt8(OpPushInt8, 3)
	cb.Emit(OpIndex)
	cb.Emit(OpReturn)

	wantAbort(t, runProgram(t, b.Build()), ErrRange)
}

func TestIndexAssignIsCopyOnWrite(t *testing.T) {
	// x = {1, 2}; y = x; x[1] = 9; return y[1];
	b := NewProgramBuilder()
	cb := b.Code()
	x := b.Var("x")
	y := b.Var("y")

	cb.EmitUint16(OpPushLiteral, b.Literal(NewList(Int(1), Int(2))))
	cb.EmitByte(OpStoreVar, x)
	cb.EmitByte(OpStoreVar, y)
	cb.Emit(OpPop)
	cb.EmitByte(OpPushVar, x)
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitInt8(OpPushInt8, 9)
	cb.Emit(OpIndexSet)
	cb.EmitByte(OpStoreVar, x)
	cb.Emit(OpPop)
	cb.EmitByte(OpPushVar, y)
	cb.EmitInt8(OpPushInt8, 1)
	cb.Emit(OpIndex)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 1)
}

func TestMapAbsentKeyAborts(t *testing.T) {
	m := NewMap().Set(Str("a"), Int(1))
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(m))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("missing")))
	cb.Emit(OpIndex)
	cb.Emit(OpReturn)

	wantAbort(t, runProgram(t, b.Build()), ErrRange)
}

func TestRangeAssign(t *testing.T) {
	// return {1, 2, 3, 4}[2..3] = {9};  yields {1, 9, 4}
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(NewList(Int(1), Int(2), Int(3), Int(4))))
	cb.EmitInt8(OpPushInt8, 2)
	cb.EmitInt8(OpPushInt8, 3)
	cb.EmitUint16(OpPushLiteral, b.Literal(NewList(Int(9))))
	cb.Emit(OpRangeSet)
	cb.Emit(OpReturn)

	got := wantDone(t, runProgram(t, b.Build()))
	want := NewList(Int(1), Int(9), Int(4))
	if !Equal(got, want) {
		t.Fatalf("result = %v, want %v", got, want)
	}
}

func TestMembership(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitInt8(OpPushInt8, 2)
	cb.EmitUint16(OpPushLiteral, b.Literal(NewList(Int(1), Int(2), Int(3))))
	cb.Emit(OpIn)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 2)
}

// ---------------------------------------------------------------------------
// Properties and verbs
// ---------------------------------------------------------------------------

func TestPropertyReadAndWrite(t *testing.T) {
	store := baseWorld()
	store.objects[10].props["counter"] = PropInfo{
		Value: Int(5), Owner: 2, Readable: true, Writable: true,
	}

	// #10.counter = #10.counter + 1; return #10.counter;
	b := NewProgramBuilder()
	cb := b.Code()
	obj := b.Literal(Obj(10))
	name := b.Literal(Str("counter"))
	cb.EmitUint16(OpPushLiteral, obj)
	cb.EmitUint16(OpPushLiteral, name)
	cb.EmitUint16(OpPushLiteral, obj)
	cb.EmitUint16(OpPushLiteral, name)
	cb.Emit(OpGetProp)
	cb.EmitInt8(OpPushInt8, 1)
	cb.Emit(OpAdd)
	cb.Emit(OpPutProp)
	cb.Emit(OpReturn)

	in := newTestInterp(store)
	pushTest(in, b.Build())
	wantInt(t, wantDone(t, in.Run(&Budget{Ticks: 1000})), 6)
	wantInt(t, store.objects[10].props["counter"].Value, 6)
}

func TestPropertyReadPermissionDenied(t *testing.T) {
	store := baseWorld()
	store.add(3, -1, 3) // non-owner programmer
	store.objects[10].props["secret"] = PropInfo{
		Value: Int(1), Owner: 2, Readable: false,
	}

	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Obj(10)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("secret")))
	cb.Emit(OpGetProp)
	cb.Emit(OpReturn)

	in := newTestInterp(store)
	in.PushCall(b.Build(), Activation{
		Player: 3, This: 10, Caller: 3, Programmer: 3,
		Verb: "test", Args: NewList(), Catchable: true,
	})
	wantAbort(t, in.Run(&Budget{Ticks: 1000}), ErrPerm)
}

func TestVerbCallIdentity(t *testing.T) {
	store := baseWorld()

	// #20:whoami => {this, caller}
	vb := NewProgramBuilder()
	vcb := vb.Code()
	vcb.EmitByte(OpPushVar, vb.Var("this"))
	vcb.EmitByte(OpPushVar, vb.Var("caller"))
	vcb.EmitUint16(OpMakeList, 2)
	vcb.Emit(OpReturn)
	store.objects[20].verbs["whoami"] = VerbInfo{
		Program: vb.Build(), Owner: 2, Definer: 20,
		Names: "whoami", Executable: true, Debug: true,
	}

	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Obj(20)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("whoami")))
	cb.EmitUint16(OpMakeList, 0)
	cb.Emit(OpCallVerb)
	cb.Emit(OpReturn)

	in := newTestInterp(store)
	pushTest(in, b.Build())
	got := wantDone(t, in.Run(&Budget{Ticks: 1000}))
	want := NewList(Obj(20), Obj(10)) // this = target, caller = caller's this
	if !Equal(got, want) {
		t.Fatalf("identity = %v, want %v", got, want)
	}
}

func TestVerbNotFoundAborts(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Obj(20)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("nope")))
	cb.EmitUint16(OpMakeList, 0)
	cb.Emit(OpCallVerb)
	cb.Emit(OpReturn)

	wantAbort(t, runProgram(t, b.Build()), ErrVerbNF)
}

func TestRecursionDepthLimitAborts(t *testing.T) {
	store := baseWorld()

	vb := NewProgramBuilder()
	vcb := vb.Code()
	vcb.EmitByte(OpPushVar, vb.Var("this"))
	vcb.EmitUint16(OpPushLiteral, vb.Literal(Str("loop")))
	vcb.EmitUint16(OpMakeList, 0)
	vcb.Emit(OpCallVerb)
	vcb.Emit(OpReturn)
	store.objects[20].verbs["loop"] = VerbInfo{
		Program: vb.Build(), Owner: 2, Definer: 20,
		Names: "loop", Executable: true, Debug: true,
	}

	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Obj(20)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("loop")))
	cb.EmitUint16(OpMakeList, 0)
	cb.Emit(OpCallVerb)
	cb.Emit(OpReturn)

	in := NewInterpreter(store, StockRegistry(), 8)
	pushTest(in, b.Build())
	wantAbort(t, in.Run(&Budget{Ticks: 100000}), ErrMaxDepth)
}

func TestTracebackSpansFrames(t *testing.T) {
	store := baseWorld()

	vb := NewProgramBuilder()
	vcb := vb.Code()
	vcb.EmitInt8(OpPushInt8, 1)
	vcb.EmitInt8(OpPushInt8, 0)
	vcb.Emit(OpDiv)
	vcb.Emit(OpReturn)
	store.objects[20].verbs["boom"] = VerbInfo{
		Program: vb.Build(), Owner: 2, Definer: 20,
		Names: "boom", Executable: true, Debug: true,
	}

	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Obj(20)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("boom")))
	cb.EmitUint16(OpMakeList, 0)
	cb.Emit(OpCallVerb)
	cb.Emit(OpReturn)

	in := newTestInterp(store)
	pushTest(in, b.Build())
	r := wantAbort(t, in.Run(&Budget{Ticks: 1000}), ErrDiv)
	if len(r.Traceback) != 2 {
		t.Fatalf("traceback depth = %d, want 2", len(r.Traceback))
	}
	if r.Traceback[0].Verb != "boom" || r.Traceback[1].Verb != "test" {
		t.Errorf("traceback = %v", r.Traceback)
	}
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

func TestTryCatchMatching(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	handler := cb.NewLabel()
	done := cb.NewLabel()

	cb.EmitUint16(OpPushLiteral, b.Literal(NewList(Err(ErrDiv))))
	cb.EmitTryCatch(handler)
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpDiv)
	cb.Emit(OpPop)
	cb.EmitByte(OpEndTry, 1)
	cb.EmitJump(OpJump, done)
	cb.Mark(handler)
	cb.Emit(OpReturn) // return the error payload
	cb.Mark(done)
	cb.EmitInt8(OpPushInt8, 99)
	cb.Emit(OpReturn)

	got := wantDone(t, runProgram(t, b.Build()))
	payload, ok := got.(List)
	if !ok || payload.Len() < 2 {
		t.Fatalf("payload = %v", got)
	}
	if e, ok := payload.At(1).(Err); !ok || Code(e) != ErrDiv {
		t.Errorf("payload code = %v, want E_DIV", payload.At(1))
	}
}

func TestTryCatchNonMatchingPropagates(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	handler := cb.NewLabel()
	done := cb.NewLabel()

	cb.EmitUint16(OpPushLiteral, b.Literal(NewList(Err(ErrRange))))
	cb.EmitTryCatch(handler)
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpDiv)
	cb.Emit(OpPop)
	cb.EmitByte(OpEndTry, 1)
	cb.EmitJump(OpJump, done)
	cb.Mark(handler)
	cb.Emit(OpReturn)
	cb.Mark(done)
	cb.EmitInt8(OpPushInt8, 99)
	cb.Emit(OpReturn)

	wantAbort(t, runProgram(t, b.Build()), ErrDiv)
}

func TestCatchAllScope(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	handler := cb.NewLabel()
	done := cb.NewLabel()

	cb.EmitInt8(OpPushInt8, 0) // catch-all marker
	cb.EmitTryCatch(handler)
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpMod)
	cb.Emit(OpPop)
	cb.EmitByte(OpEndTry, 1)
	cb.EmitJump(OpJump, done)
	cb.Mark(handler)
	cb.Emit(OpPop)
	cb.EmitInt8(OpPushInt8, 1)
	cb.Emit(OpReturn)
	cb.Mark(done)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 1)
}

func TestCatchExpression(t *testing.T) {
	// `1 / 0 ! E_DIV'  yields E_DIV as a value
	b := NewProgramBuilder()
	cb := b.Code()
	after := cb.NewLabel()

	cb.EmitUint16(OpPushLiteral, b.Literal(NewList(Err(ErrDiv))))
	cb.EmitCatchPush(after)
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpDiv)
	cb.Emit(OpCatchPop)
	cb.Mark(after)
	cb.Emit(OpReturn)

	got := wantDone(t, runProgram(t, b.Build()))
	if e, ok := got.(Err); !ok || Code(e) != ErrDiv {
		t.Fatalf("result = %v, want E_DIV", got)
	}
}

// notifyProgram appends builtin output lines so tests can observe
// execution order through cleanup bodies.
func emitNotify(b *ProgramBuilder, cb *CodeBuilder, text string) {
	cb.EmitUint16(OpPushLiteral, b.Literal(Obj(2)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str(text)))
	cb.EmitUint16(OpMakeList, 2)
	cb.EmitUint16(OpCallBuiltin, b.Literal(Str("notify")))
	cb.Emit(OpPop)
}

func runWithNotify(t *testing.T, p *Program) (StepResult, []string) {
	t.Helper()
	var lines []string
	in := newTestInterp(baseWorld())
	in.Notify = func(player ObjID, text string) {
		lines = append(lines, text)
	}
	pushTest(in, p)
	return in.Run(&Budget{Ticks: 100000}), lines
}

func TestFinallyRunsOnFallthrough(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cleanup := cb.NewLabel()

	cb.EmitTryFinally(cleanup)
	emitNotify(b, cb, "body")
	cb.Emit(OpEndFinally)
	cb.Mark(cleanup)
	emitNotify(b, cb, "cleanup")
	cb.Emit(OpFinallyDone)
	emitNotify(b, cb, "after")
	cb.EmitInt8(OpPushInt8, 7)
	cb.Emit(OpReturn)

	res, lines := runWithNotify(t, b.Build())
	wantInt(t, wantDone(t, res), 7)
	want := []string{"body", "cleanup", "after"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", lines, want)
	}
}

func TestFinallyRunsOnRaise(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	handler := cb.NewLabel()
	cleanup := cb.NewLabel()
	done := cb.NewLabel()

	cb.EmitInt8(OpPushInt8, 0)
	cb.EmitTryCatch(handler)
	cb.EmitTryFinally(cleanup)
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpDiv)
	cb.Emit(OpPop)
	cb.Emit(OpEndFinally)
	cb.Mark(cleanup)
	emitNotify(b, cb, "cleanup")
	cb.Emit(OpFinallyDone)
	cb.EmitByte(OpEndTry, 1)
	cb.EmitJump(OpJump, done)
	cb.Mark(handler)
	cb.Emit(OpPop)
	emitNotify(b, cb, "handler")
	cb.EmitInt8(OpPushInt8, 5)
	cb.Emit(OpReturn)
	cb.Mark(done)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpReturn)

	res, lines := runWithNotify(t, b.Build())
	wantInt(t, wantDone(t, res), 5)
	want := []string{"cleanup", "handler"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", lines, want)
	}
}

func TestFinallyRunsOnReturn(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cleanup := cb.NewLabel()

	cb.EmitTryFinally(cleanup)
	cb.EmitInt8(OpPushInt8, 7)
	cb.Emit(OpReturn)
	cb.Emit(OpEndFinally)
	cb.Mark(cleanup)
	emitNotify(b, cb, "cleanup")
	cb.Emit(OpFinallyDone)

	res, lines := runWithNotify(t, b.Build())
	wantInt(t, wantDone(t, res), 7)
	if len(lines) != 1 || lines[0] != "cleanup" {
		t.Fatalf("lines = %v, want [cleanup]", lines)
	}
}

func TestCleanupTransferSupersedes(t *testing.T) {
	// A return started inside the cleanup body replaces the interrupted one.
	b := NewProgramBuilder()
	cb := b.Code()
	cleanup := cb.NewLabel()

	cb.EmitTryFinally(cleanup)
	cb.EmitInt8(OpPushInt8, 7)
	cb.Emit(OpReturn)
	cb.Emit(OpEndFinally)
	cb.Mark(cleanup)
	cb.EmitInt8(OpPushInt8, 9)
	cb.Emit(OpReturn)

	wantInt(t, wantDone(t, runProgram(t, b.Build())), 9)
}

func TestSquelchedFrameSubstitutesError(t *testing.T) {
	store := baseWorld()

	vb := NewProgramBuilder()
	vcb := vb.Code()
	vcb.EmitInt8(OpPushInt8, 1)
	vcb.EmitInt8(OpPushInt8, 0)
	vcb.Emit(OpDiv)
	vcb.Emit(OpReturn)
	store.objects[20].verbs["quiet"] = VerbInfo{
		Program: vb.Build(), Owner: 2, Definer: 20,
		Names: "quiet", Executable: true, Debug: false, // squelched
	}

	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Obj(20)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("quiet")))
	cb.EmitUint16(OpMakeList, 0)
	cb.Emit(OpCallVerb)
	cb.Emit(OpReturn)

	in := newTestInterp(store)
	pushTest(in, b.Build())
	got := wantDone(t, in.Run(&Budget{Ticks: 1000}))
	if e, ok := got.(Err); !ok || Code(e) != ErrDiv {
		t.Fatalf("result = %v, want E_DIV value", got)
	}
}

func TestSquelchedFrameKeepsUnmatchedTryScope(t *testing.T) {
	// A non-matching try around the failing expression: the error is
	// substituted in place, execution stays inside the block, and the
	// scope is still there for END_TRY to pop.
	store := baseWorld()

	vb := NewProgramBuilder()
	vcb := vb.Code()
	handler := vcb.NewLabel()
	done := vcb.NewLabel()
	vcb.EmitUint16(OpPushLiteral, vb.Literal(NewList(Err(ErrType))))
	vcb.EmitTryCatch(handler)
	vcb.EmitInt8(OpPushInt8, 1)
	vcb.EmitInt8(OpPushInt8, 0)
	vcb.Emit(OpDiv)
	vcb.Emit(OpPop)
	vcb.EmitByte(OpEndTry, 1)
	vcb.EmitJump(OpJump, done)
	vcb.Mark(handler)
	vcb.Emit(OpPop)
	vcb.EmitInt8(OpPushInt8, -1)
	vcb.Emit(OpReturn)
	vcb.Mark(done)
	vcb.EmitInt8(OpPushInt8, 5)
	vcb.Emit(OpReturn)
	store.objects[20].verbs["quiet"] = VerbInfo{
		Program: vb.Build(), Owner: 2, Definer: 20,
		Names: "quiet", Executable: true, Debug: false,
	}

	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Obj(20)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("quiet")))
	cb.EmitUint16(OpMakeList, 0)
	cb.Emit(OpCallVerb)
	cb.Emit(OpReturn)

	in := newTestInterp(store)
	pushTest(in, b.Build())
	wantInt(t, wantDone(t, in.Run(&Budget{Ticks: 1000})), 5)
}

func TestSquelchedFrameMatchingCatchStillFires(t *testing.T) {
	// An explicit handler intercepts its declared codes even in a
	// squelched frame.
	store := baseWorld()

	vb := NewProgramBuilder()
	vcb := vb.Code()
	handler := vcb.NewLabel()
	done := vcb.NewLabel()
	vcb.EmitUint16(OpPushLiteral, vb.Literal(NewList(Err(ErrDiv))))
	vcb.EmitTryCatch(handler)
	vcb.EmitInt8(OpPushInt8, 1)
	vcb.EmitInt8(OpPushInt8, 0)
	vcb.Emit(OpDiv)
	vcb.Emit(OpPop)
	vcb.EmitByte(OpEndTry, 1)
	vcb.EmitJump(OpJump, done)
	vcb.Mark(handler)
	vcb.Emit(OpPop)
	vcb.EmitInt8(OpPushInt8, 7)
	vcb.Emit(OpReturn)
	vcb.Mark(done)
	vcb.EmitInt8(OpPushInt8, -1)
	vcb.Emit(OpReturn)
	store.objects[20].verbs["quiet"] = VerbInfo{
		Program: vb.Build(), Owner: 2, Definer: 20,
		Names: "quiet", Executable: true, Debug: false,
	}

	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Obj(20)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("quiet")))
	cb.EmitUint16(OpMakeList, 0)
	cb.Emit(OpCallVerb)
	cb.Emit(OpReturn)

	in := newTestInterp(store)
	pushTest(in, b.Build())
	wantInt(t, wantDone(t, in.Run(&Budget{Ticks: 1000})), 7)
}

func TestRaiseBuiltinCarriesMessageAndValue(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	handler := cb.NewLabel()
	done := cb.NewLabel()

	cb.EmitInt8(OpPushInt8, 0)
	cb.EmitTryCatch(handler)
	cb.EmitUint16(OpPushLiteral, b.Literal(Err(ErrInvArg)))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("bad input")))
	cb.EmitInt8(OpPushInt8, 42)
	cb.EmitUint16(OpMakeList, 3)
	cb.EmitUint16(OpCallBuiltin, b.Literal(Str("raise")))
	cb.Emit(OpPop)
	cb.EmitByte(OpEndTry, 1)
	cb.EmitJump(OpJump, done)
	cb.Mark(handler)
	cb.Emit(OpReturn)
	cb.Mark(done)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpReturn)

	payload := wantDone(t, runProgram(t, b.Build())).(List)
	if e := payload.At(1).(Err); Code(e) != ErrInvArg {
		t.Errorf("code = %v, want E_INVARG", payload.At(1))
	}
	if msg := payload.At(2).(Str); string(msg) != "bad input" {
		t.Errorf("message = %q, want bad input", msg)
	}
	wantInt(t, payload.At(3), 42)
}

// ---------------------------------------------------------------------------
// Scatter
// ---------------------------------------------------------------------------

func scatterProgram(t *testing.T, args List) *Program {
	t.Helper()
	b := NewProgramBuilder()
	cb := b.Code()
	a := b.Var("a")
	opt := b.Var("b")
	rest := b.Var("c")
	spec := b.Scatter(ScatterSpec{Targets: []ScatterTarget{
		{Slot: a, Kind: TargetRequired},
		{Slot: opt, Kind: TargetOptional},
		{Slot: rest, Kind: TargetRest},
	}})

	cb.EmitUint16(OpPushLiteral, b.Literal(args))
	cb.EmitUint16(OpScatter, spec)
	// default: b = 10
	afterB := cb.NewLabel()
	cb.EmitJumpIfBound(opt, afterB)
	cb.EmitInt8(OpPushInt8, 10)
	cb.EmitByte(OpStoreVar, opt)
	cb.Emit(OpPop)
	cb.Mark(afterB)
	cb.EmitByte(OpPushVar, a)
	cb.EmitByte(OpPushVar, opt)
	cb.EmitByte(OpPushVar, rest)
	cb.EmitUint16(OpMakeList, 3)
	cb.Emit(OpReturn)
	return b.Build()
}

func TestScatterOptionalDefault(t *testing.T) {
	got := wantDone(t, runProgram(t, scatterProgram(t, NewList(Int(1)))))
	want := NewList(Int(1), Int(10), NewList())
	if !Equal(got, want) {
		t.Fatalf("bindings = %v, want %v", got, want)
	}
}

func TestScatterRestCollects(t *testing.T) {
	got := wantDone(t, runProgram(t,
		scatterProgram(t, NewList(Int(1), Int(2), Int(3), Int(4)))))
	want := NewList(Int(1), Int(2), NewList(Int(3), Int(4)))
	if !Equal(got, want) {
		t.Fatalf("bindings = %v, want %v", got, want)
	}
}

func TestScatterTooFewArgsAborts(t *testing.T) {
	wantAbort(t, runProgram(t, scatterProgram(t, NewList())), ErrArgs)
}

// ---------------------------------------------------------------------------
// Budgets and suspension
// ---------------------------------------------------------------------------

func TestTickBudgetStopsBeforeNextOpcode(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitInt8(OpPushInt8, 1)
	cb.EmitInt8(OpPushInt8, 2)
	cb.EmitInt8(OpPushInt8, 3)
	cb.EmitInt8(OpPushInt8, 4)
	cb.Emit(OpReturn)

	in := newTestInterp(baseWorld())
	pushTest(in, b.Build())

	// A budget of 3 ticks executes exactly 3 opcodes; the 4th never runs.
	budget := &Budget{Ticks: 3}
	res := in.Run(budget)
	if res.Kind != StepTicksExhausted {
		t.Fatalf("kind = %d, want StepTicksExhausted", res.Kind)
	}
	if got := len(in.Frames[0].Stack); got != 3 {
		t.Fatalf("stack depth = %d, want 3", got)
	}

	// A fresh slice picks up mid-stream and completes.
	wantInt(t, wantDone(t, in.Run(&Budget{Ticks: 100})), 4)
}

func TestDeadlineExceeded(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	head := cb.NewLabel()
	cb.Mark(head)
	cb.EmitJump(OpJump, head) // spin

	in := newTestInterp(baseWorld())
	pushTest(in, b.Build())

	res := in.Run(&Budget{Ticks: 1 << 20, Deadline: time.Now().Add(-time.Second)})
	if res.Kind != StepDeadlineExceeded {
		t.Fatalf("kind = %d, want StepDeadlineExceeded", res.Kind)
	}
}

func TestSuspendAndResume(t *testing.T) {
	// return suspend(0) + 1;
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitInt8(OpPushInt8, 0)
	cb.EmitUint16(OpMakeList, 1)
	cb.EmitUint16(OpCallBuiltin, b.Literal(Str("suspend")))
	cb.EmitInt8(OpPushInt8, 1)
	cb.Emit(OpAdd)
	cb.Emit(OpReturn)

	in := newTestInterp(baseWorld())
	pushTest(in, b.Build())

	res := in.Run(&Budget{Ticks: 1000})
	if res.Kind != StepSuspend {
		t.Fatalf("kind = %d, want StepSuspend", res.Kind)
	}
	if res.Delay != 0 {
		t.Fatalf("delay = %v, want 0", res.Delay)
	}

	in.Resume(Int(41))
	wantInt(t, wantDone(t, in.Run(&Budget{Ticks: 1000})), 42)
}

func TestReadSuspendsForInput(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpMakeList, 0)
	cb.EmitUint16(OpCallBuiltin, b.Literal(Str("read")))
	cb.Emit(OpReturn)

	in := newTestInterp(baseWorld())
	pushTest(in, b.Build())

	res := in.Run(&Budget{Ticks: 1000})
	if res.Kind != StepSuspendRead {
		t.Fatalf("kind = %d, want StepSuspendRead", res.Kind)
	}

	in.Resume(Str("hello"))
	got := wantDone(t, in.Run(&Budget{Ticks: 1000}))
	if s, ok := got.(Str); !ok || string(s) != "hello" {
		t.Fatalf("result = %v, want hello", got)
	}
}

func TestSuspendNegativeDelayAborts(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitInt8(OpPushInt8, -1)
	cb.EmitUint16(OpMakeList, 1)
	cb.EmitUint16(OpCallBuiltin, b.Literal(Str("suspend")))
	cb.Emit(OpReturn)

	wantAbort(t, runProgram(t, b.Build()), ErrInvArg)
}

func TestOffloadableBuiltinParksTask(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("secret")))
	cb.EmitUint16(OpPushLiteral, b.Literal(Str("ab")))
	cb.EmitUint16(OpMakeList, 2)
	cb.EmitUint16(OpCallBuiltin, b.Literal(Str("crypt")))
	cb.Emit(OpReturn)

	in := newTestInterp(baseWorld())
	pushTest(in, b.Build())

	res := in.Run(&Budget{Ticks: 1000})
	if res.Kind != StepSuspendExternal {
		t.Fatalf("kind = %d, want StepSuspendExternal", res.Kind)
	}
	if res.External.Name != "crypt" {
		t.Fatalf("external name = %q, want crypt", res.External.Name)
	}

	// The worker runs the call off-thread and posts the value back.
	out := res.External.Run()
	if out.Kind != BuiltinValue {
		t.Fatalf("worker outcome = %d, want BuiltinValue", out.Kind)
	}
	in.Resume(out.Value)
	got := wantDone(t, in.Run(&Budget{Ticks: 1000}))
	if s, ok := got.(Str); !ok || !strings.HasPrefix(string(s), "ab$") {
		t.Fatalf("result = %v, want salted digest", got)
	}
}

func TestUnknownBuiltinAborts(t *testing.T) {
	b := NewProgramBuilder()
	cb := b.Code()
	cb.EmitUint16(OpMakeList, 0)
	cb.EmitUint16(OpCallBuiltin, b.Literal(Str("no_such_builtin")))
	cb.Emit(OpReturn)

	wantAbort(t, runProgram(t, b.Build()), ErrVerbNF)
}

// ---------------------------------------------------------------------------
// Fork
// ---------------------------------------------------------------------------

func TestForkRecordsRequest(t *testing.T) {
	b := NewProgramBuilder()
	tvar := b.Var("tid")

	stream, fcb := b.NewFork()
	fcb.EmitInt8(OpPushInt8, 0)
	fcb.Emit(OpReturn)

	cb := b.Code()
	cb.EmitInt8(OpPushInt8, 5)
	cb.EmitFork(byte(stream), tvar)
	cb.EmitByte(OpPushVar, tvar)
	cb.Emit(OpReturn)

	in := newTestInterp(baseWorld())
	in.NewTaskID = func() string { return "child-1" }
	pushTest(in, b.Build())

	got := wantDone(t, in.Run(&Budget{Ticks: 1000}))
	if s, ok := got.(Str); !ok || string(s) != "child-1" {
		t.Fatalf("parent task var = %v, want child-1", got)
	}

	forks := in.TakeForks()
	if len(forks) != 1 {
		t.Fatalf("fork count = %d, want 1", len(forks))
	}
	req := forks[0]
	if req.Delay != 5 || req.TaskID != "child-1" {
		t.Fatalf("request = %+v", req)
	}
	if req.Frame.Stream != stream+1 {
		t.Errorf("fork stream = %d, want %d", req.Frame.Stream, stream+1)
	}
	if v, ok := req.Frame.Slots[tvar].(Str); !ok || string(v) != "child-1" {
		t.Errorf("child task var = %v, want child-1", req.Frame.Slots[tvar])
	}
	if len(in.TakeForks()) != 0 {
		t.Error("TakeForks did not drain")
	}
}

func TestForkNegativeDelayAborts(t *testing.T) {
	b := NewProgramBuilder()
	stream, fcb := b.NewFork()
	fcb.Emit(OpNop)

	cb := b.Code()
	cb.EmitInt8(OpPushInt8, -5)
	cb.EmitFork(byte(stream), 0xFF)
	cb.EmitInt8(OpPushInt8, 0)
	cb.Emit(OpReturn)

	res := runProgram(t, b.Build())
	wantAbort(t, res, ErrInvArg)
}
