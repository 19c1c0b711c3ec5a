package txmem

type refLayer[T comparable] struct {
	value T
}

// Ref is a versioned reference to an immutable value, such as a schema.
type Ref[T comparable] struct {
	id    uint64
	value T
}

func NewRef[T comparable](value T) *Ref[T] {
	return &Ref[T]{id: NextProducerID(), value: value}
}

func (r *Ref[T]) ProducerID() uint64 {
	return r.id
}

func (r *Ref[T]) CreateLayer() *refLayer[T] {
	return &refLayer[T]{value: r.value}
}

func (r *Ref[T]) Get(m *Memory) T {
	if l, ok := Layer[*refLayer[T]](m, r); ok {
		return l.value
	}
	return r.value
}

func (r *Ref[T]) Set(m *Memory, v T) {
	if m == nil {
		r.value = v
		return
	}
	GetOrCreateLayer[*refLayer[T]](m, r).value = v
}

// CompareAndSet replaces the value with v only when it currently equals expected.
func (r *Ref[T]) CompareAndSet(m *Memory, expected, v T) bool {
	if r.Get(m) != expected {
		return false
	}
	r.Set(m, v)
	return true
}

func (r *Ref[T]) CreateCopyWithMergedLayer(layer *refLayer[T], _ *Memory) (*Ref[T], error) {
	if layer == nil || layer.value == r.value {
		return r, nil
	}
	return NewRef(layer.value), nil
}

func (r *Ref[T]) Merge(m *Memory) (*Ref[T], error) {
	return Merge[*refLayer[T], *Ref[T]](m, r)
}
