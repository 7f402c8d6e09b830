package fidas

// rowBuffer is a bounded FIFO of parsed instrument rows awaiting handoff to
// the pump, preserving acquisition order.
type rowBuffer struct {
	data []row
	cap  int
}

func newRowBuffer(capacity int) *rowBuffer {
	return &rowBuffer{
		data: make([]row, 0, capacity),
		cap:  capacity,
	}
}

func (b *rowBuffer) push(r row) bool {
	if len(b.data) >= b.cap {
		return false
	}
	b.data = append(b.data, r)
	return true
}

func (b *rowBuffer) pop() (row, bool) {
	if len(b.data) == 0 {
		return row{}, false
	}
	r := b.data[0]
	b.data = append(b.data[:0], b.data[1:]...)
	return r, true
}

func (b *rowBuffer) len() int   { return len(b.data) }
func (b *rowBuffer) full() bool { return len(b.data) >= b.cap }
