package vm

import "fmt"

// ---------------------------------------------------------------------------
// Program: an immutable compiled verb
// ---------------------------------------------------------------------------

// LineEntry maps a bytecode offset to a source line. Entries are ordered
// by offset; the line for a PC is the entry with the greatest offset not
// exceeding it.
type LineEntry struct {
	Offset int `cbor:"1,keyasint"`
	Line   int `cbor:"2,keyasint"`
}

// TargetKind classifies one destructuring target.
type TargetKind uint8

const (
	// TargetRequired must receive a positional value.
	TargetRequired TargetKind = iota
	// TargetOptional receives a positional value when available, else its
	// compiled default expression runs.
	TargetOptional
	// TargetRest collects all leftover values as a list. At most one per
	// spec.
	TargetRest
)

// ScatterTarget is one binding target of a destructuring assignment.
type ScatterTarget struct {
	Slot uint8      `cbor:"1,keyasint"`
	Kind TargetKind `cbor:"2,keyasint"`
}

// ScatterSpec describes one destructuring assignment: a fixed prefix of
// required targets, optional targets whose defaults are compiled as a
// JUMP_IF_BOUND chain following the SCATTER instruction, and at most one
// rest target.
type ScatterSpec struct {
	Targets []ScatterTarget `cbor:"1,keyasint"`
}

// Counts returns the number of required targets and whether a rest target
// is present.
func (s ScatterSpec) Counts() (required int, optional int, hasRest bool) {
	for _, t := range s.Targets {
		switch t.Kind {
		case TargetRequired:
			required++
		case TargetOptional:
			optional++
		case TargetRest:
			hasRest = true
		}
	}
	return
}

// Program is an immutable compiled unit: a main instruction stream, zero
// or more fork streams, a literal table, a variable-name table, and
// destructuring specs. It is produced by the compiler, published once,
// and thereafter shared read-only by every task executing the verb.
type Program struct {
	Code     []byte        // main instruction stream
	Forks    [][]byte      // fork streams, referenced by FORK instructions
	Literals []Value       // literal table
	VarNames []string      // name table: slot index -> variable name
	Scatters []ScatterSpec // destructuring specs
	Lines    [][]LineEntry // per-stream source-line tables (0 = main, i+1 = fork i)
}

// StreamCode returns the instruction stream for a stream index
// (0 = main, i+1 = fork stream i).
func (p *Program) StreamCode(stream int) []byte {
	if stream == 0 {
		return p.Code
	}
	return p.Forks[stream-1]
}

// SlotOf returns the slot for a variable name, or -1 when absent.
func (p *Program) SlotOf(name string) int {
	for i, n := range p.VarNames {
		if n == name {
			return i
		}
	}
	return -1
}

// LineAt returns the source line for a PC within a stream, or 0 when the
// program carries no line information.
func (p *Program) LineAt(stream, pc int) int {
	if stream >= len(p.Lines) {
		return 0
	}
	line := 0
	for _, e := range p.Lines[stream] {
		if e.Offset > pc {
			break
		}
		line = e.Line
	}
	return line
}

// ---------------------------------------------------------------------------
// ProgramBuilder
// ---------------------------------------------------------------------------

// ProgramBuilder assembles a Program. It is the construction surface used
// by the compiler and by tests; the produced Program is immutable.
type ProgramBuilder struct {
	main     *CodeBuilder
	forks    []*CodeBuilder
	literals []Value
	varNames []string
	scatters []ScatterSpec
}

// NewProgramBuilder creates an empty builder.
func NewProgramBuilder() *ProgramBuilder {
	return &ProgramBuilder{main: NewCodeBuilder()}
}

// Code returns the main-stream code builder.
func (b *ProgramBuilder) Code() *CodeBuilder {
	return b.main
}

// NewFork adds a fork stream and returns its index and code builder.
func (b *ProgramBuilder) NewFork() (int, *CodeBuilder) {
	cb := NewCodeBuilder()
	b.forks = append(b.forks, cb)
	return len(b.forks) - 1, cb
}

// Literal interns a literal value and returns its table index.
func (b *ProgramBuilder) Literal(v Value) uint16 {
	for i, lit := range b.literals {
		if lit.Type() == v.Type() && Equal(lit, v) {
			return uint16(i)
		}
	}
	b.literals = append(b.literals, v)
	if len(b.literals) > 0xFFFF {
		panic("ProgramBuilder: literal table overflow")
	}
	return uint16(len(b.literals) - 1)
}

// Var interns a variable name and returns its slot.
func (b *ProgramBuilder) Var(name string) uint8 {
	for i, n := range b.varNames {
		if n == name {
			return uint8(i)
		}
	}
	b.varNames = append(b.varNames, name)
	if len(b.varNames) > 0xFF {
		panic("ProgramBuilder: variable table overflow")
	}
	return uint8(len(b.varNames) - 1)
}

// Scatter registers a destructuring spec and returns its index.
func (b *ProgramBuilder) Scatter(spec ScatterSpec) uint16 {
	rest := 0
	for _, t := range spec.Targets {
		if t.Kind == TargetRest {
			rest++
		}
	}
	if rest > 1 {
		panic(fmt.Sprintf("ProgramBuilder: %d rest targets in one scatter spec", rest))
	}
	b.scatters = append(b.scatters, spec)
	return uint16(len(b.scatters) - 1)
}

// Build finalizes the Program.
func (b *ProgramBuilder) Build() *Program {
	p := &Program{
		Code:     b.main.Bytes(),
		Literals: b.literals,
		VarNames: b.varNames,
		Scatters: b.scatters,
	}
	p.Lines = append(p.Lines, b.main.Lines())
	for _, f := range b.forks {
		p.Forks = append(p.Forks, f.Bytes())
		p.Lines = append(p.Lines, f.Lines())
	}
	return p
}
