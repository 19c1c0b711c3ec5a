package txmem

// MapLayer records the changes of a Map made in one transaction relative to its base.
type MapLayer[K comparable, V any] struct {
	removed  map[K]struct{}
	modified map[K]V
}

// Removed returns keys of the base that were removed and not put back.
func (l *MapLayer[K, V]) Removed() []K {
	out := make([]K, 0, len(l.removed))
	for k := range l.removed {
		out = append(out, k)
	}
	return out
}

// Modified returns keys that were put, with their new values.
func (l *MapLayer[K, V]) Modified() map[K]V {
	return l.modified
}

// Map is a versioned map. With a merge function, its values are versioned structures themselves and are merged
// together with the map.
type Map[K comparable, V any] struct {
	id    uint64
	base  map[K]V
	merge func(m *Memory, v V) (V, bool, error)
}

func NewMap[K comparable, V any](base map[K]V) *Map[K, V] {
	if base == nil {
		base = make(map[K]V)
	}
	return &Map[K, V]{id: NextProducerID(), base: base}
}

// NewProducerMap creates a map whose values are merged at commit. merge returns the merged value and whether it
// differs from the given one.
func NewProducerMap[K comparable, V any](base map[K]V, merge func(m *Memory, v V) (V, bool, error)) *Map[K, V] {
	t := NewMap(base)
	t.merge = merge
	return t
}

func (t *Map[K, V]) ProducerID() uint64 {
	return t.id
}

func (t *Map[K, V]) CreateLayer() *MapLayer[K, V] {
	return &MapLayer[K, V]{removed: make(map[K]struct{}), modified: make(map[K]V)}
}

func (t *Map[K, V]) Get(m *Memory, k K) (V, bool) {
	if l, ok := Layer[*MapLayer[K, V]](m, t); ok {
		if v, ok := l.modified[k]; ok {
			return v, true
		}
		if _, ok := l.removed[k]; ok {
			var zero V
			return zero, false
		}
	}
	v, ok := t.base[k]
	return v, ok
}

// BaseGet reads the committed state, ignoring any layer.
func (t *Map[K, V]) BaseGet(k K) (V, bool) {
	v, ok := t.base[k]
	return v, ok
}

func (t *Map[K, V]) Put(m *Memory, k K, v V) {
	if m == nil {
		t.base[k] = v
		return
	}
	l := GetOrCreateLayer[*MapLayer[K, V]](m, t)
	delete(l.removed, k)
	l.modified[k] = v
}

// Remove deletes k and returns the value it held.
func (t *Map[K, V]) Remove(m *Memory, k K) (V, bool) {
	v, ok := t.Get(m, k)
	if !ok {
		return v, false
	}
	if m == nil {
		delete(t.base, k)
		return v, true
	}
	l := GetOrCreateLayer[*MapLayer[K, V]](m, t)
	delete(l.modified, k)
	if _, inBase := t.base[k]; inBase {
		l.removed[k] = struct{}{}
	}
	return v, true
}

func (t *Map[K, V]) Len(m *Memory) int {
	l, ok := Layer[*MapLayer[K, V]](m, t)
	if !ok {
		return len(t.base)
	}
	n := len(t.base) - len(l.removed)
	for k := range l.modified {
		if _, inBase := t.base[k]; !inBase {
			n++
		}
	}
	return n
}

// Range calls fn for every entry until fn returns false. The order is unspecified.
func (t *Map[K, V]) Range(m *Memory, fn func(k K, v V) bool) {
	l, ok := Layer[*MapLayer[K, V]](m, t)
	if !ok {
		for k, v := range t.base {
			if !fn(k, v) {
				return
			}
		}
		return
	}
	for k, v := range t.base {
		if _, removed := l.removed[k]; removed {
			continue
		}
		if _, modified := l.modified[k]; modified {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
	for k, v := range l.modified {
		if !fn(k, v) {
			return
		}
	}
}

func (t *Map[K, V]) Keys(m *Memory) []K {
	out := make([]K, 0, t.Len(m))
	t.Range(m, func(k K, _ V) bool {
		out = append(out, k)
		return true
	})
	return out
}

// Values returns every value in unspecified order.
func (t *Map[K, V]) Values(m *Memory) []V {
	out := make([]V, 0, t.Len(m))
	t.Range(m, func(_ K, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}

// CreateCopyWithMergedLayer returns t itself when neither the map nor any of its values changed.
func (t *Map[K, V]) CreateCopyWithMergedLayer(layer *MapLayer[K, V], m *Memory) (*Map[K, V], error) {
	changed := layer != nil
	merged := make(map[K]V, len(t.base))
	for k, v := range t.base {
		merged[k] = v
	}
	if layer != nil {
		for k := range layer.removed {
			delete(merged, k)
		}
		for k, v := range layer.modified {
			merged[k] = v
		}
	}
	if t.merge != nil {
		for k, v := range merged {
			nv, valueChanged, err := t.merge(m, v)
			if err != nil {
				return nil, err
			}
			if valueChanged {
				merged[k] = nv
				changed = true
			}
		}
	}
	if !changed {
		return t, nil
	}
	return &Map[K, V]{id: NextProducerID(), base: merged, merge: t.merge}, nil
}

// RemoveLayer drops the layer of the map. Layers of its values are left alone.
func (t *Map[K, V]) RemoveLayer(m *Memory) {
	m.RemoveLayer(t)
}

// Merge folds the layer of t, and those of its values, into a new map.
func (t *Map[K, V]) Merge(m *Memory) (*Map[K, V], error) {
	return Merge[*MapLayer[K, V], *Map[K, V]](m, t)
}
