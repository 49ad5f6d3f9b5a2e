package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Push / Variables
const (
	OpPushInt8    Opcode = 0x10 // push 8-bit signed integer
	OpPushLiteral Opcode = 0x11 // push literal-table value (16-bit index)
	OpPushVar     Opcode = 0x12 // push local slot (8-bit index); unbound raises E_VARNF
	OpStoreVar    Opcode = 0x13 // store top of stack into local slot (8-bit index), value stays
	OpJumpIfBound Opcode = 0x14 // jump if slot is bound (8-bit slot, 16-bit offset)
	OpClearVar    Opcode = 0x15 // unbind a local slot (8-bit index)
)

// Arithmetic / Comparison / Bitwise
const (
	OpAdd    Opcode = 0x20 // also string and list concatenation
	OpSub    Opcode = 0x21
	OpMul    Opcode = 0x22
	OpDiv    Opcode = 0x23
	OpMod    Opcode = 0x24
	OpNeg    Opcode = 0x25
	OpEq     Opcode = 0x26
	OpNe     Opcode = 0x27
	OpLt     Opcode = 0x28
	OpLe     Opcode = 0x29
	OpGt     Opcode = 0x2A
	OpGe     Opcode = 0x2B
	OpNot    Opcode = 0x2C
	OpBitAnd Opcode = 0x2D
	OpBitOr  Opcode = 0x2E
	OpBitXor Opcode = 0x2F
	OpBitShl Opcode = 0x30
	OpBitShr Opcode = 0x31
)

// Sequence Operations
const (
	OpIndex      Opcode = 0x40 // seq[i]
	OpIndexSet   Opcode = 0x41 // seq[i] = v, pushes the new sequence
	OpRangeGet   Opcode = 0x42 // seq[from..to]
	OpRangeSet   Opcode = 0x43 // seq[from..to] = repl, pushes the new sequence
	OpIn         Opcode = 0x44 // membership: 1-based position or 0
	OpMakeList   Opcode = 0x45 // build list from N stack values (16-bit count)
	OpMakeMap    Opcode = 0x46 // build map from N key/value pairs (16-bit count)
	OpListAppend Opcode = 0x47 // pop value and list, push list + {value}
	OpLength     Opcode = 0x48 // length of sequence on top of stack
)

// Properties / Verbs / Builtins
const (
	OpGetProp     Opcode = 0x50 // pop name, obj; push property value
	OpPutProp     Opcode = 0x51 // pop value, name, obj; push value
	OpCallVerb    Opcode = 0x52 // pop args, name, obj; push new activation
	OpCallBuiltin Opcode = 0x53 // pop args list; 16-bit name-literal index
)

// Control Flow
const (
	OpJump      Opcode = 0x60 // unconditional (16-bit offset)
	OpJumpTrue  Opcode = 0x61 // pop, jump if true (16-bit offset)
	OpJumpFalse Opcode = 0x62 // pop, jump if false (16-bit offset)
	OpForRange  Opcode = 0x63 // integer range loop head (8-bit slot, 16-bit end offset)
	OpForSeq    Opcode = 0x64 // sequence loop head (8-bit value slot, 8-bit key slot or 0xFF, 16-bit end offset)
	OpExit      Opcode = 0x65 // early loop exit (8-bit stack depth, 8-bit scope count, 16-bit offset)
)

// Returns
const (
	OpReturn Opcode = 0x70 // return top of stack from the current activation
)

// Exception Handling
const (
	OpTryCatch    Opcode = 0x80 // pop codes value, push handler scope (16-bit handler offset)
	OpEndTry      Opcode = 0x81 // pop N handler scopes (8-bit count)
	OpTryFinally  Opcode = 0x82 // push cleanup scope (16-bit cleanup offset)
	OpEndFinally  Opcode = 0x83 // normal fall into the cleanup body
	OpFinallyDone Opcode = 0x84 // resume the interrupted transfer
	OpCatchPush   Opcode = 0x85 // pop codes value, push catch-expression scope (16-bit offset)
	OpCatchPop    Opcode = 0x86 // pop catch-expression scope
)

// Destructuring / Tasks
const (
	OpScatter Opcode = 0x90 // pop args list, destructure per spec (16-bit spec index)
	OpFork    Opcode = 0xA0 // pop delay; schedule fork stream (8-bit stream, 8-bit task-id slot or 0xFF)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0},
	OpPop: {"POP", 0},
	OpDup: {"DUP", 0},

	OpPushInt8:    {"PUSH_INT8", 1},
	OpPushLiteral: {"PUSH_LITERAL", 2},
	OpPushVar:     {"PUSH_VAR", 1},
	OpStoreVar:    {"STORE_VAR", 1},
	OpJumpIfBound: {"JUMP_IF_BOUND", 3},
	OpClearVar:    {"CLEAR_VAR", 1},

	OpAdd:    {"ADD", 0},
	OpSub:    {"SUB", 0},
	OpMul:    {"MUL", 0},
	OpDiv:    {"DIV", 0},
	OpMod:    {"MOD", 0},
	OpNeg:    {"NEG", 0},
	OpEq:     {"EQ", 0},
	OpNe:     {"NE", 0},
	OpLt:     {"LT", 0},
	OpLe:     {"LE", 0},
	OpGt:     {"GT", 0},
	OpGe:     {"GE", 0},
	OpNot:    {"NOT", 0},
	OpBitAnd: {"BIT_AND", 0},
	OpBitOr:  {"BIT_OR", 0},
	OpBitXor: {"BIT_XOR", 0},
	OpBitShl: {"BIT_SHL", 0},
	OpBitShr: {"BIT_SHR", 0},

	OpIndex:      {"INDEX", 0},
	OpIndexSet:   {"INDEX_SET", 0},
	OpRangeGet:   {"RANGE_GET", 0},
	OpRangeSet:   {"RANGE_SET", 0},
	OpIn:         {"IN", 0},
	OpMakeList:   {"MAKE_LIST", 2},
	OpMakeMap:    {"MAKE_MAP", 2},
	OpListAppend: {"LIST_APPEND", 0},
	OpLength:     {"LENGTH", 0},

	OpGetProp:     {"GET_PROP", 0},
	OpPutProp:     {"PUT_PROP", 0},
	OpCallVerb:    {"CALL_VERB", 0},
	OpCallBuiltin: {"CALL_BUILTIN", 2},

	OpJump:      {"JUMP", 2},
	OpJumpTrue:  {"JUMP_TRUE", 2},
	OpJumpFalse: {"JUMP_FALSE", 2},
	OpForRange:  {"FOR_RANGE", 3},
	OpForSeq:    {"FOR_SEQ", 4},
	OpExit:      {"EXIT", 4},

	OpReturn: {"RETURN", 0},

	OpTryCatch:    {"TRY_CATCH", 2},
	OpEndTry:      {"END_TRY", 1},
	OpTryFinally:  {"TRY_FINALLY", 2},
	OpEndFinally:  {"END_FINALLY", 0},
	OpFinallyDone: {"FINALLY_DONE", 0},
	OpCatchPush:   {"CATCH_PUSH", 2},
	OpCatchPop:    {"CATCH_POP", 0},

	OpScatter: {"SCATTER", 2},
	OpFork:    {"FORK", 2},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// CodeBuilder: helper for constructing instruction streams
// ---------------------------------------------------------------------------

// CodeBuilder helps construct one instruction stream with label patching
// and a source-line table.
type CodeBuilder struct {
	bytes []byte
	lines []LineEntry
	line  int
}

// NewCodeBuilder creates an empty code builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed instruction stream.
func (b *CodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *CodeBuilder) Len() int {
	return len(b.bytes)
}

// Lines returns the accumulated source-line table.
func (b *CodeBuilder) Lines() []LineEntry {
	return b.lines
}

// AtLine records that instructions emitted from here on originate at the
// given source line.
func (b *CodeBuilder) AtLine(line int) *CodeBuilder {
	if line != b.line {
		b.line = line
		b.lines = append(b.lines, LineEntry{Offset: len(b.bytes), Line: line})
	}
	return b
}

// Emit appends an opcode with no operands.
func (b *CodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *CodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *CodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *CodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target, possibly a forward reference.
type Label struct {
	resolved bool
	position int   // target position once resolved
	refs     []int // positions of 16-bit offsets to patch
}

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches all forward
// references.
func (b *CodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2)
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// emitOffset appends a 16-bit offset for a label at the current position.
func (b *CodeBuilder) emitOffset(label *Label) {
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// EmitJump emits a jump-family instruction targeting a label.
func (b *CodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	b.emitOffset(label)
}

// EmitForRange emits a FOR_RANGE loop head.
func (b *CodeBuilder) EmitForRange(slot byte, end *Label) {
	b.bytes = append(b.bytes, byte(OpForRange), slot)
	b.emitOffset(end)
}

// EmitForSeq emits a FOR_SEQ loop head. keySlot 0xFF means no key binding.
func (b *CodeBuilder) EmitForSeq(valueSlot, keySlot byte, end *Label) {
	b.bytes = append(b.bytes, byte(OpForSeq), valueSlot, keySlot)
	b.emitOffset(end)
}

// EmitExit emits an early loop exit. depth is the operand-stack depth at
// the jump target; scopes is the number of handler scopes active there,
// so cleanup scopes between the exit site and the target run on the way
// out.
func (b *CodeBuilder) EmitExit(depth, scopes byte, target *Label) {
	b.bytes = append(b.bytes, byte(OpExit), depth, scopes)
	b.emitOffset(target)
}

// EmitJumpIfBound emits a conditional jump taken when the slot is bound.
func (b *CodeBuilder) EmitJumpIfBound(slot byte, target *Label) {
	b.bytes = append(b.bytes, byte(OpJumpIfBound), slot)
	b.emitOffset(target)
}

// EmitTryCatch emits a handler-scope push targeting the handler body.
func (b *CodeBuilder) EmitTryCatch(handler *Label) {
	b.bytes = append(b.bytes, byte(OpTryCatch))
	b.emitOffset(handler)
}

// EmitTryFinally emits a cleanup-scope push targeting the cleanup body.
func (b *CodeBuilder) EmitTryFinally(cleanup *Label) {
	b.bytes = append(b.bytes, byte(OpTryFinally))
	b.emitOffset(cleanup)
}

// EmitCatchPush emits a catch-expression scope push.
func (b *CodeBuilder) EmitCatchPush(handler *Label) {
	b.bytes = append(b.bytes, byte(OpCatchPush))
	b.emitOffset(handler)
}

// EmitFork emits a FORK instruction. taskVarSlot 0xFF discards the child
// task identifier.
func (b *CodeBuilder) EmitFork(stream, taskVarSlot byte) {
	b.bytes = append(b.bytes, byte(OpFork), stream, taskVarSlot)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble returns a human-readable listing of an instruction stream.
func Disassemble(code []byte) string {
	var sb strings.Builder
	pos := 0
	for pos < len(code) {
		op := Opcode(code[pos])
		info := op.Info()
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%04d  %s", pos, info.Name)
		operands := code[pos+1 : pos+1+info.OperandBytes]
		switch op {
		case OpJump, OpJumpTrue, OpJumpFalse, OpTryCatch, OpTryFinally, OpCatchPush:
			offset := int16(binary.LittleEndian.Uint16(operands))
			fmt.Fprintf(&sb, " %d (-> %04d)", offset, pos+3+int(offset))
		case OpJumpIfBound:
			offset := int16(binary.LittleEndian.Uint16(operands[1:]))
			fmt.Fprintf(&sb, " slot=%d (-> %04d)", operands[0], pos+4+int(offset))
		case OpForRange:
			offset := int16(binary.LittleEndian.Uint16(operands[1:]))
			fmt.Fprintf(&sb, " slot=%d end=%04d", operands[0], pos+4+int(offset))
		case OpForSeq:
			offset := int16(binary.LittleEndian.Uint16(operands[2:]))
			fmt.Fprintf(&sb, " val=%d key=%d end=%04d", operands[0], operands[1], pos+5+int(offset))
		case OpExit:
			offset := int16(binary.LittleEndian.Uint16(operands[2:]))
			fmt.Fprintf(&sb, " depth=%d scopes=%d (-> %04d)", operands[0], operands[1], pos+5+int(offset))
		case OpPushInt8:
			fmt.Fprintf(&sb, " %d", int8(operands[0]))
		case OpPushLiteral, OpMakeList, OpMakeMap, OpCallBuiltin, OpScatter:
			fmt.Fprintf(&sb, " %d", binary.LittleEndian.Uint16(operands))
		case OpFork:
			fmt.Fprintf(&sb, " stream=%d slot=%d", operands[0], operands[1])
		default:
			for _, o := range operands {
				fmt.Fprintf(&sb, " %d", o)
			}
		}
		pos += 1 + info.OperandBytes
	}
	return sb.String()
}
