// Package merge combines polygon fragments traced from separate tiles
// into whole objects. Only fragments that touch their tile boundary can
// continue in a neighboring tile, so everything else passes through
// without geometry work. Candidate fragments are grouped through a
// spatial index on bounding-box overlap and each group is dissolved
// with polygon union.
package merge

import (
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/geom/proj"
	"github.com/rs/zerolog"

	"histotrace/internal/models"
	"histotrace/pkg/raster"
)

// Fragments whose bounds come within this distance of a tile edge are
// treated as touching it. Traced coordinates are exact multiples of the
// downsample, so this only needs to absorb float error.
const edgeEps = 1e-7

// Fragment is one traced polygon together with the tile it came from.
// Coordinates are in calibrated geometry space.
type Fragment struct {
	Poly geom.Polygon
	Tile models.Tile
}

// Merger dissolves tile fragments and applies calibrated size rules.
type Merger struct {
	// MinArea drops objects whose shell is smaller than this, in
	// physical units. Zero disables the rule.
	MinArea float64

	// MinHoleArea removes holes smaller than this, in physical units.
	// Zero disables the rule.
	MinHoleArea float64

	// EdgeMargin widens the edge-touch test by this calibrated
	// distance. Overlapping tilings set it to the overlap width so
	// duplicates traced in the shared band dissolve into one object.
	EdgeMargin float64

	cal raster.PixelCalibration
	log zerolog.Logger
}

// NewMerger returns a merger using cal to convert areas to physical
// units, with no size rules and a discarding logger.
func NewMerger(cal raster.PixelCalibration) *Merger {
	return &Merger{cal: cal, log: zerolog.Nop()}
}

// SetLogger replaces the merger's logger.
func (m *Merger) SetLogger(l zerolog.Logger) {
	m.log = l
}

type fragEntry struct {
	idx    int
	bounds *geom.Bounds
}

func (e *fragEntry) Bounds() *geom.Bounds {
	return e.bounds
}

// rtree.Insert requires the full geom.Geom interface even though the
// tree only ever calls Bounds; the remaining methods are inert stubs.
func (e *fragEntry) Similar(geom.Geom, float64) bool { return false }

func (e *fragEntry) Transform(proj.Transformer) (geom.Geom, error) { return e, nil }

func (e *fragEntry) Len() int { return 0 }

func (e *fragEntry) Points() func() geom.Point {
	return func() geom.Point { return geom.Point{} }
}

// Merge returns the fragments with tile-straddling groups dissolved
// into single polygons and the size rules applied. The output keeps
// the input order, with each merged group emitted at the position of
// its first member.
func (m *Merger) Merge(frags []Fragment) []geom.Polygon {
	if len(frags) == 0 {
		return nil
	}

	straddle := make([]bool, len(frags))
	entries := make([]*fragEntry, len(frags))
	tree := rtree.NewTree(25, 50)
	nStraddle := 0
	for i, f := range frags {
		if len(f.Poly) == 0 || !m.straddles(f) {
			continue
		}
		straddle[i] = true
		entries[i] = &fragEntry{idx: i, bounds: f.Poly.Bounds()}
		tree.Insert(entries[i])
		nStraddle++
	}
	m.log.Debug().
		Int("fragments", len(frags)).
		Int("straddling", nStraddle).
		Msg("merging tile fragments")

	visited := make([]bool, len(frags))
	out := make([]geom.Polygon, 0, len(frags))
	for i, f := range frags {
		switch {
		case !straddle[i]:
			out = append(out, m.filter(f.Poly)...)
		case !visited[i]:
			group := collectGroup(i, entries, tree, visited)
			out = append(out, m.unionGroup(frags, group)...)
		}
	}
	return out
}

// straddles reports whether the fragment's bounds reach its tile edge.
func (m *Merger) straddles(f Fragment) bool {
	fb := f.Poly.Bounds()
	tb := f.Tile.Bounds(m.cal)
	eps := edgeEps + m.EdgeMargin
	return fb.Min.X <= tb.Min.X+eps || fb.Min.Y <= tb.Min.Y+eps ||
		fb.Max.X >= tb.Max.X-eps || fb.Max.Y >= tb.Max.Y-eps
}

// collectGroup gathers the transitive bounding-box overlap group of
// the fragment at start, returned in ascending input order.
func collectGroup(start int, entries []*fragEntry, tree *rtree.Rtree, visited []bool) []int {
	queue := []int{start}
	visited[start] = true
	for qi := 0; qi < len(queue); qi++ {
		for _, hit := range tree.SearchIntersect(entries[queue[qi]].bounds) {
			n := hit.(*fragEntry).idx
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	sort.Ints(queue)
	return queue
}

func (m *Merger) unionGroup(frags []Fragment, group []int) []geom.Polygon {
	if len(group) == 1 {
		return m.filter(frags[group[0]].Poly)
	}
	var u geom.Polygonal = frags[group[0]].Poly
	for _, gi := range group[1:] {
		u = u.Union(frags[gi].Poly)
	}

	var out []geom.Polygon
	for _, p := range m.regroup(u) {
		out = append(out, m.filter(p)...)
	}
	return out
}

// regroup flattens a union result into polygons of one shell each,
// reassigning holes to their smallest containing shell. Rings are
// classified by containment parity rather than winding, because the
// union's output orientation is not part of its contract. Ring order
// follows the union output so repeated runs agree.
func (m *Merger) regroup(g geom.Polygonal) []geom.Polygon {
	var rings []geom.Path
	switch v := g.(type) {
	case geom.Polygon:
		rings = v
	case geom.MultiPolygon:
		for _, p := range v {
			rings = append(rings, p...)
		}
	default:
		return nil
	}

	type shell struct {
		ring  []geom.Point
		area  float64
		holes []geom.Path
	}
	var shells []*shell
	var holes []geom.Path
	for i, ring := range rings {
		if len(ring) < 3 {
			continue
		}
		depth := 0
		for k, other := range rings {
			if k != i && len(other) >= 3 && pointInRing(ring[0], other) {
				depth++
			}
		}
		if depth%2 == 0 {
			shells = append(shells, &shell{ring: ring, area: math.Abs(ringArea(ring))})
		} else {
			holes = append(holes, ring)
		}
	}

	bySize := make([]*shell, len(shells))
	copy(bySize, shells)
	sort.Slice(bySize, func(i, j int) bool { return bySize[i].area < bySize[j].area })

	orphans := 0
	for _, hole := range holes {
		assigned := false
		for _, s := range bySize {
			if pointInRing(hole[0], s.ring) {
				s.holes = append(s.holes, hole)
				assigned = true
				break
			}
		}
		if !assigned {
			orphans++
		}
	}
	if orphans > 0 {
		m.log.Warn().Int("holes", orphans).Msg("dropped holes with no containing shell")
	}

	out := make([]geom.Polygon, 0, len(shells))
	for _, s := range shells {
		p := geom.Polygon{s.ring}
		p = append(p, s.holes...)
		out = append(out, p)
	}
	return out
}

// filter applies the size rules to a polygon whose first ring is the
// shell. It returns either the filtered polygon or nothing.
func (m *Merger) filter(p geom.Polygon) []geom.Polygon {
	if len(p) == 0 {
		return nil
	}
	shellArea := math.Abs(ringArea(p[0]))
	if m.MinArea > 0 && m.cal.AreaToPhysical(shellArea) < m.MinArea {
		return nil
	}
	kept := geom.Polygon{p[0]}
	for _, hole := range p[1:] {
		if m.MinHoleArea > 0 && m.cal.AreaToPhysical(math.Abs(ringArea(hole))) < m.MinHoleArea {
			continue
		}
		kept = append(kept, hole)
	}
	return []geom.Polygon{kept}
}

// ringArea is the signed shoelace area of a ring, positive for
// counterclockwise winding. The ring is treated as implicitly closed.
func ringArea(ring []geom.Point) float64 {
	var sum float64
	n := len(ring)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += ring[i].X*ring[j].Y - ring[j].X*ring[i].Y
	}
	return sum / 2
}

// pointInRing is an even-odd crossing test against an implicitly
// closed ring.
func pointInRing(p geom.Point, ring []geom.Point) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
	}
	return inside
}
