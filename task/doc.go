// Package task turns interpreter slices into a multitasking runtime:
// queues, budgets, transactions, and durable continuations.
//
// The scheduler runs one slice at a time. A slice ends when the task
// completes, aborts, exhausts its budget, or parks itself on one of
// three waits: a timer (suspend and delayed forks), a line of input
// (read), or an offloaded builtin call. Parked tasks keep their whole
// execution state in the interpreter's frames, so they serialize
// through the vm codec and survive a server restart.
//
// Every task runs inside a single transaction that spans its whole
// lifetime, suspensions included. Writes commit together when the task
// completes or not at all; a commit that loses a write-write race can
// rerun the task from its recorded entry frames.
package task
