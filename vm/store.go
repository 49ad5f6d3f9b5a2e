package vm

// ---------------------------------------------------------------------------
// Store: the snapshot-scoped database capability
// ---------------------------------------------------------------------------

// PropInfo is the resolved state of a property after an ancestor-chain
// walk: its value plus the metadata permission checks need.
type PropInfo struct {
	Value    Value
	Owner    ObjID
	Readable bool
	Writable bool
}

// VerbInfo is the resolved state of a verb after an ancestor-chain walk.
type VerbInfo struct {
	Program    *Program
	Owner      ObjID
	Definer    ObjID // the ancestor the verb is defined on
	Names      string
	Readable   bool
	Executable bool
	// Debug controls the catchable flag of activations running this verb.
	Debug bool
}

// Store is the read/write capability the interpreter holds on the object
// database. Every implementation is scoped to one snapshot: reads observe
// the snapshot plus the task's own tentative writes, and writes stay
// tentative until the transaction coordinator commits them. The
// interpreter never touches storage any other way.
type Store interface {
	// Valid reports whether an object identifier names a live object.
	Valid(obj ObjID) bool

	// IsWizard reports whether an object carries the wizard flag.
	IsWizard(obj ObjID) bool

	// OwnerOf returns the owner of an object.
	OwnerOf(obj ObjID) (ObjID, Code)

	// ParentOf returns the parent of an object.
	ParentOf(obj ObjID) (ObjID, Code)

	// ChildrenOf returns the children of an object.
	ChildrenOf(obj ObjID) ([]ObjID, Code)

	// GetProp resolves a property through the ancestor chain.
	// Fails with ErrInvInd for an invalid object and ErrPropNF when no
	// ancestor defines the property.
	GetProp(obj ObjID, name string) (PropInfo, Code)

	// SetProp writes a property on the object it resolves on. Permission
	// checks are the caller's; the store fails with ErrInvInd or
	// ErrPropNF only.
	SetProp(obj ObjID, name string, v Value) Code

	// ResolveVerb resolves a verb through the ancestor chain. Fails with
	// ErrInvInd or ErrVerbNF.
	ResolveVerb(obj ObjID, name string) (VerbInfo, Code)

	// Move reparents an object in the containment hierarchy, failing
	// with ErrRecMove when the destination is contained in the object.
	Move(what, to ObjID) Code
}

// CanRead applies the shared property/verb read-permission policy.
func CanRead(readable bool, owner, programmer ObjID, st Store) bool {
	return readable || programmer == owner || st.IsWizard(programmer)
}

// CanWrite applies the shared property write-permission policy.
func CanWrite(writable bool, owner, programmer ObjID, st Store) bool {
	return writable || programmer == owner || st.IsWizard(programmer)
}
