package session

// HeapContainer owns a copy of a value taken off the caller's stack.
type HeapContainer[T any] interface {
	Get() *T
	Dispose()
}

// Boxed is the plain HeapContainer: a heap copy that Dispose drops.
type Boxed[T any] struct {
	v *T
}

// Box copies v into a new container.
func Box[T any](v T) *Boxed[T] {
	return &Boxed[T]{v: &v}
}

// Get returns the held value, or nil after Dispose.
func (b *Boxed[T]) Get() *T { return b.v }

// Dispose releases the value.
func (b *Boxed[T]) Dispose() { b.v = nil }

// PendingContext saves one operation that could not finish synchronously.
// A zero MinAddress means no lower address bound.
type PendingContext[K, V, I, O any] struct {
	Type        OperationType
	Key         HeapContainer[K]
	Value       HeapContainer[V]
	Input       HeapContainer[I]
	Output      O
	UserContext any

	ID             int64
	Version        int64
	LogicalAddress int64
	SerialNum      int64
	Flags          OperationFlags
	MinAddress     int64
}

// SetFlags applies read options and the lower address bound of a read.
func (pc *PendingContext[K, V, I, O]) SetFlags(rf ReadFlags, noKey bool, stopAddress int64) {
	pc.Flags = FlagsFromReadFlags(rf, noKey)
	pc.MinAddress = stopAddress
}

// HasMinAddress reports whether the operation is bounded below.
func (pc *PendingContext[K, V, I, O]) HasMinAddress() bool {
	return pc.MinAddress != 0
}

// DetachKey transfers ownership of the key to the caller.
func (pc *PendingContext[K, V, I, O]) DetachKey() HeapContainer[K] {
	k := pc.Key
	pc.Key = nil
	return k
}

// DetachInput transfers ownership of the input to the caller.
func (pc *PendingContext[K, V, I, O]) DetachInput() HeapContainer[I] {
	in := pc.Input
	pc.Input = nil
	return in
}

// Dispose releases every container still owned by the context.
func (pc *PendingContext[K, V, I, O]) Dispose() {
	if pc.Key != nil {
		pc.Key.Dispose()
		pc.Key = nil
	}
	if pc.Value != nil {
		pc.Value.Dispose()
		pc.Value = nil
	}
	if pc.Input != nil {
		pc.Input.Dispose()
		pc.Input = nil
	}
}
