package bufferpool

// Replacer picks a victim frame among the evictable ones.
type Replacer interface {
	RecordAccess(frameID int)
	SetEvictable(frameID int, evictable bool)
	// Evict removes the victim from tracking before returning it.
	Evict() (frameID int, ok bool)
	Remove(frameID int)
	Size() int
}

// clockReplacer is CLOCK (second chance) over frame ids [0..capacity).
type clockReplacer struct {
	ref       []bool
	evictable []bool
	present   []bool
	hand      int
	size      int // evictable frames
}

func newClockReplacer(capacity int) *clockReplacer {
	if capacity <= 0 {
		capacity = 1
	}
	return &clockReplacer{
		ref:       make([]bool, capacity),
		evictable: make([]bool, capacity),
		present:   make([]bool, capacity),
	}
}

func (c *clockReplacer) valid(id int) bool { return id >= 0 && id < len(c.ref) }

func (c *clockReplacer) RecordAccess(id int) {
	if !c.valid(id) {
		return
	}
	c.present[id] = true
	c.ref[id] = true
}

func (c *clockReplacer) SetEvictable(id int, evictable bool) {
	if !c.valid(id) || !c.present[id] || c.evictable[id] == evictable {
		return
	}
	c.evictable[id] = evictable
	if evictable {
		c.size++
	} else {
		c.size--
	}
}

func (c *clockReplacer) Evict() (int, bool) {
	n := len(c.ref)
	if c.size == 0 {
		return -1, false
	}

	// two sweeps clear every ref bit at most once
	for range 2 * n {
		id := c.hand
		c.hand = (c.hand + 1) % n

		if !c.present[id] || !c.evictable[id] {
			continue
		}
		if c.ref[id] {
			c.ref[id] = false
			continue
		}
		c.forget(id)
		return id, true
	}
	return -1, false
}

func (c *clockReplacer) Remove(id int) {
	if !c.valid(id) || !c.present[id] {
		return
	}
	c.forget(id)
}

func (c *clockReplacer) forget(id int) {
	if c.evictable[id] {
		c.size--
	}
	c.present[id] = false
	c.evictable[id] = false
	c.ref[id] = false
}

func (c *clockReplacer) Size() int { return c.size }
