package trace

import "github.com/ctessum/geom"

// deque is a point sequence that grows at both ends. Outline fragments
// extend forward at the tail and backward at the head depending on
// which side of the boundary the scan reaches first.
type deque struct {
	buf  []geom.Point
	head int // index of the first point
	tail int // index one past the last point
}

func newDeque(v geom.Point) deque {
	buf := make([]geom.Point, 8)
	buf[3] = v
	return deque{buf: buf, head: 3, tail: 4}
}

func (d *deque) len() int {
	return d.tail - d.head
}

// points returns the live window of the backing store. The slice is
// only valid until the next mutation.
func (d *deque) points() []geom.Point {
	return d.buf[d.head:d.tail]
}

func (d *deque) push(v geom.Point) {
	if d.tail == len(d.buf) {
		d.grow(1)
	}
	d.buf[d.tail] = v
	d.tail++
}

func (d *deque) unshift(v geom.Point) {
	if d.head == 0 {
		d.grow(1)
	}
	d.head--
	d.buf[d.head] = v
}

func (d *deque) pushAll(pts []geom.Point) {
	if len(d.buf)-d.tail < len(pts) {
		d.grow(len(pts))
	}
	copy(d.buf[d.tail:], pts)
	d.tail += len(pts)
}

// grow reallocates with the live points recentered, leaving at least
// need free slots on both sides.
func (d *deque) grow(need int) {
	n := d.len()
	nbuf := make([]geom.Point, 2*(n+need)+8)
	off := (len(nbuf) - n) / 2
	copy(nbuf[off:], d.buf[d.head:d.tail])
	d.buf = nbuf
	d.head = off
	d.tail = off + n
}

// arena owns every outline fragment produced during a scan. Fragments
// are addressed by integer handles; when two fragments merge, the
// absorbed handle redirects to the survivor so that stale handles held
// in the column table keep resolving.
type arena struct {
	parent []int // redirect target, -1 while the fragment is live
	frags  []deque
}

// alloc starts a new fragment holding a single vertex.
func (a *arena) alloc(v geom.Point) int {
	a.parent = append(a.parent, -1)
	a.frags = append(a.frags, newDeque(v))
	return len(a.parent) - 1
}

// find resolves a handle through any redirects, compressing the chain
// as it goes.
func (a *arena) find(h int) int {
	root := h
	for a.parent[root] >= 0 {
		root = a.parent[root]
	}
	for a.parent[h] >= 0 {
		next := a.parent[h]
		a.parent[h] = root
		h = next
	}
	return root
}

// splice continues tail's path through v into head's path. The head
// fragment is absorbed and its handle redirected to tail.
func (a *arena) splice(tail, head int, v geom.Point) {
	a.frags[tail].push(v)
	a.frags[tail].pushAll(a.frags[head].points())
	a.frags[head] = deque{}
	a.parent[head] = tail
}

// close appends the final vertex and returns the fragment's points as a
// ring, implicitly closed from the last point back to the first. The
// fragment's storage is released.
func (a *arena) close(h int, v geom.Point) []geom.Point {
	a.frags[h].push(v)
	pts := make([]geom.Point, a.frags[h].len())
	copy(pts, a.frags[h].points())
	a.frags[h] = deque{}
	return pts
}
