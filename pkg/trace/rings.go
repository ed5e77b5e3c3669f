package trace

import (
	"sort"

	"github.com/ctessum/geom"
)

// assemble groups classified rings into polygons. Every shell ring
// becomes the outer ring of one polygon, in the order the scan closed
// them; each hole attaches to the smallest shell whose interior
// contains its first vertex. The count of holes no shell claims is
// returned alongside, so the caller can report them.
func assemble(rings []ring) ([]geom.Polygon, int) {
	var shells []ring
	var holes []ring
	for _, r := range rings {
		if r.area > 0 {
			shells = append(shells, r)
		} else {
			holes = append(holes, r)
		}
	}
	if len(shells) == 0 {
		return nil, len(holes)
	}

	polys := make([]geom.Polygon, len(shells))
	for i, s := range shells {
		polys[i] = geom.Polygon{s.pts}
	}

	if len(holes) == 0 {
		return polys, 0
	}

	// Candidate shells ordered by area so the first hit is the
	// smallest, and therefore innermost, container.
	order := make([]int, len(shells))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return shells[order[a]].area < shells[order[b]].area
	})

	orphans := 0
	for _, h := range holes {
		assigned := false
		for _, si := range order {
			if pointInRing(h.pts[0], shells[si].pts) {
				polys[si] = append(polys[si], h.pts)
				assigned = true
				break
			}
		}
		if !assigned {
			orphans++
		}
	}
	return polys, orphans
}

// pointInRing is the even-odd crossing test against an implicitly
// closed ring.
func pointInRing(p geom.Point, ring []geom.Point) bool {
	in := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a := ring[i]
		b := ring[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := a.X + (p.Y-a.Y)*(b.X-a.X)/(b.Y-a.Y)
			if p.X < x {
				in = !in
			}
		}
	}
	return in
}
