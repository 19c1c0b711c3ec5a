package cdc

// ring keeps the latest captures so subscribers can catch up on what they missed. It is used with the publisher
// locked.
type ring struct {
	items []Capture
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]Capture, capacity)}
}

func (r *ring) push(c Capture) {
	r.items[(r.head+r.size)%len(r.items)] = c
	if r.size < len(r.items) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.items)
}

// since returns the captures after token. It fails when some of them were already overwritten.
func (r *ring) since(token uint64) ([]Capture, bool) {
	if r.size == 0 {
		return nil, true
	}
	if oldest := r.items[r.head].Token; token+1 < oldest {
		return nil, false
	}
	var out []Capture
	for i := 0; i < r.size; i++ {
		if c := r.items[(r.head+i)%len(r.items)]; c.Token > token {
			out = append(out, c)
		}
	}
	return out, true
}
