// Package vm implements the guest-language execution engine: tagged
// values, compiled programs, activation frames, and a resumable bytecode
// interpreter.
//
// The interpreter is deliberately flat: verb calls push frames onto an
// explicit stack instead of recursing into Go, so the complete execution
// state of a task is an ordinary data structure. That is what makes
// suspension cheap and continuations serializable; see codec.go for the
// wire form.
//
// Resource accounting happens here too. Run debits one tick per opcode
// and checks its wall-clock deadline periodically, returning control to
// the task controller the moment a budget is exhausted. The interpreter
// itself never decides what an exhausted budget means; that policy lives
// in the task package.
package vm
