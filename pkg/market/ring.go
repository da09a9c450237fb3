package market

// DefaultRingCapacity is the number of ticks kept per series.
const DefaultRingCapacity = 5000

// TickRing is a fixed-size circular buffer of ticks. When full, appending
// overwrites the oldest tick. It is not safe for concurrent use; TickStore
// guards each ring with its own mutex.
type TickRing struct {
	data     []Tick
	capacity int
	index    int // next write position
	size     int
}

// NewTickRing creates a ring with the given capacity.
func NewTickRing(capacity int) *TickRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &TickRing{
		data:     make([]Tick, capacity),
		capacity: capacity,
	}
}

// Append adds a tick, evicting the oldest one when the ring is full.
func (r *TickRing) Append(t Tick) {
	r.data[r.index] = t
	r.index = (r.index + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// All returns the buffered ticks oldest first.
func (r *TickRing) All() []Tick {
	out := make([]Tick, r.size)
	start := 0
	if r.size == r.capacity {
		start = r.index
	}
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(start+i)%r.capacity]
	}
	return out
}

// Latest returns the most recently appended tick.
func (r *TickRing) Latest() (Tick, bool) {
	if r.size == 0 {
		return Tick{}, false
	}
	return r.data[(r.index-1+r.capacity)%r.capacity], true
}

func (r *TickRing) Len() int { return r.size }

func (r *TickRing) Cap() int { return r.capacity }
