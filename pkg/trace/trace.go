// Package trace converts binary masks into polygon outlines. The
// tracer walks the vertex grid between pixels in a single top-to-bottom
// scan, keeping open outline fragments in an arena until they close
// into rings, then assembles shells and their holes into polygons.
//
// Foreground pixels are 4-connected: two pixels touching only at a
// corner produce two separate shells, while background regions
// touching at a corner connect, so diagonal gaps join holes to each
// other and to the outside. Traced geometry follows even-odd
// semantics, and its area always equals the number of set pixels.
package trace

import (
	"math"

	"github.com/ctessum/geom"
	"github.com/rs/zerolog"

	"histotrace/pkg/raster"
)

// Tracer converts masks to polygons. The zero value is not usable; use
// NewTracer.
type Tracer struct {
	log zerolog.Logger
}

// NewTracer returns a tracer with logging disabled.
func NewTracer() *Tracer {
	return &Tracer{log: zerolog.Nop()}
}

// SetLogger directs diagnostic output, in particular the warning
// emitted when a traced area disagrees with the pixel count.
func (t *Tracer) SetLogger(l zerolog.Logger) {
	t.log = l
}

// Trace outlines every foreground region of the mask. Vertices are
// emitted in geometry space: scaled by the calibration's downsample and
// shifted by its offset. An empty mask yields no polygons.
func (t *Tracer) Trace(mask *raster.BitMask, cal raster.PixelCalibration) []geom.Polygon {
	rings := t.scan(mask)

	// The even-odd area of the rings, still in mask pixel units, must
	// match the pixel count exactly. A mismatch means the outline
	// bookkeeping went wrong; keep going, but say so.
	var area float64
	for _, r := range rings {
		area += r.area
	}
	if count := mask.Count(); math.Abs(area-float64(count)) > 1e-9 {
		t.log.Warn().
			Float64("traced_area", area).
			Int("pixel_count", count).
			Msg("traced area does not match mask pixel count")
	}

	for _, r := range rings {
		for i := range r.pts {
			x, y := cal.Apply(r.pts[i].X, r.pts[i].Y)
			r.pts[i] = geom.Point{X: x, Y: y}
		}
	}

	polys, orphans := assemble(rings)
	if orphans > 0 {
		t.log.Warn().Int("holes", orphans).Msg("dropped holes with no containing shell")
	}
	return polys
}

// TraceRaster thresholds the raster to lo <= v <= hi and traces the
// resulting mask.
func (t *Tracer) TraceRaster(r *raster.Raster, lo, hi float32, cal raster.PixelCalibration) []geom.Polygon {
	return t.Trace(r.Threshold(lo, hi), cal)
}

// TraceLabels outlines each label of a label map separately and returns
// the polygons keyed by label. Background (label 0) is skipped.
func (t *Tracer) TraceLabels(lm *raster.LabelMap, cal raster.PixelCalibration) map[uint32][]geom.Polygon {
	out := make(map[uint32][]geom.Polygon)
	max := lm.Max()
	for label := uint32(1); label <= max; label++ {
		m := lm.Mask(label)
		if polys := t.Trace(m, cal); len(polys) > 0 {
			out[label] = polys
		}
	}
	return out
}

// ring is a closed outline in mask pixel coordinates. The closing edge
// from the last point back to the first is implicit. Positive area
// marks a shell, negative a hole.
type ring struct {
	pts  []geom.Point
	area float64
}

// scan runs the vertex state machine over the mask and returns every
// closed ring.
//
// The machine visits each vertex of the (w+1)x(h+1) grid between
// pixels and forms a 4-bit key from the four surrounding pixels:
// bit 3 upper left, bit 2 upper right, bit 1 lower left, bit 0 lower
// right, with pixels outside the mask reading as background. Open
// fragments are tracked in two places: down[x] holds the fragment
// whose pending edge is the vertical edge entering this row at column
// line x, and right holds the fragment whose pending edge is the
// horizontal edge just left of the current vertex. Whether a consuming
// vertex extends a fragment at its head or tail follows from its own
// key, so the table stores bare handles.
func (t *Tracer) scan(mask *raster.BitMask) []ring {
	w, h := mask.W, mask.H

	ar := &arena{}
	down := make([]int, w+1)
	for i := range down {
		down[i] = -1
	}

	var rings []ring

	for y := 0; y <= h; y++ {
		// Every outline edge crossing a row is vertical, so the
		// horizontal carry is always clear at the row boundary.
		right := -1

		for x := 0; x <= w; x++ {
			key := 0
			if mask.On(x-1, y-1) {
				key |= 8
			}
			if mask.On(x, y-1) {
				key |= 4
			}
			if mask.On(x-1, y) {
				key |= 2
			}
			if mask.On(x, y) {
				key |= 1
			}

			// Uniform windows and straight runs record no vertex.
			if key == 0 || key == 15 || key == 3 || key == 12 || key == 5 || key == 10 {
				continue
			}

			v := geom.Point{X: float64(x), Y: float64(y)}

			switch key {
			case 4: // leftward travel turns upward
				d := ar.find(down[x])
				ar.frags[d].unshift(v)
				right = d
				down[x] = -1

			case 2: // rightward travel turns downward
				r := ar.find(right)
				ar.frags[r].push(v)
				down[x] = r
				right = -1

			case 11: // downward travel turns rightward
				d := ar.find(down[x])
				ar.frags[d].push(v)
				right = d
				down[x] = -1

			case 13: // upward travel turns leftward
				r := ar.find(right)
				ar.frags[r].unshift(v)
				down[x] = r
				right = -1

			case 8: // downward travel turns leftward; the open ends join
				rings = t.join(ar, down[x], right, v, rings)
				down[x] = -1
				right = -1

			case 7: // rightward travel turns upward; the open ends join
				rings = t.join(ar, right, down[x], v, rings)
				down[x] = -1
				right = -1

			case 1, 14: // a new outline is born at this corner
				f := ar.alloc(v)
				right = f
				down[x] = f

			case 9: // diagonal foreground: join as in case 8, then a new outline starts
				rings = t.join(ar, down[x], right, v, rings)
				f := ar.alloc(v)
				right = f
				down[x] = f

			case 6: // diagonal background: both outlines turn here without joining
				r := ar.find(right)
				d := ar.find(down[x])
				ar.frags[r].push(v)
				ar.frags[d].unshift(v)
				down[x] = r
				right = d
			}
		}
	}

	return rings
}

// join connects the fragment ending at v (tail side) with the fragment
// beginning at v (head side). If both handles resolve to the same
// fragment the outline closes and a ring is emitted; otherwise the two
// fragments merge.
func (t *Tracer) join(ar *arena, tailH, headH int, v geom.Point, rings []ring) []ring {
	tail := ar.find(tailH)
	head := ar.find(headH)
	if tail == head {
		pts := ar.close(tail, v)
		a := shoelace(pts)
		if a != 0 {
			rings = append(rings, ring{pts: pts, area: a})
		}
		return rings
	}
	ar.splice(tail, head, v)
	return rings
}

// shoelace returns the signed area of an implicitly closed ring.
// Positive means the interior lies to the right of travel in the
// y-down pixel frame.
func shoelace(pts []geom.Point) float64 {
	var sum float64
	n := len(pts)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return sum / 2
}
