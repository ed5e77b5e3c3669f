// Package morph implements grayscale morphological reconstruction and
// the operators derived from it: openings and closings by
// reconstruction, extrema imposition, regional extrema detection, and
// binary thinning. Rasters use 4-connectivity throughout.
package morph

import (
	"context"
	"errors"
	"fmt"

	"histotrace/pkg/raster"
)

// ErrMarkerExceedsMask is returned when a reconstruction marker sits
// above its mask somewhere. The caller must fix its inputs; clamping
// silently would hide the bug.
var ErrMarkerExceedsMask = errors.New("morph: marker exceeds mask")

// How often the queue loop polls for cancellation.
const cancelCheckInterval = 2500

// Reconstruct performs grayscale reconstruction by dilation of the
// mask from the marker: the marker is raised as high as it can go
// without exceeding the mask anywhere or climbing across valleys.
//
// The marker is rewritten in place into the result and also returned;
// the mask is never modified. Marker and mask must share dimensions
// and satisfy marker <= mask at every pixel.
//
// The hybrid schedule follows Vincent: alternating forward and
// backward raster sweeps run while they still change more than a tenth
// of the pixels, then a FIFO queue finishes the propagation. The
// context is polled between sweeps and every few thousand queue steps.
func Reconstruct(ctx context.Context, marker, mask *raster.Raster) (*raster.Raster, error) {
	if marker.W != mask.W || marker.H != mask.H {
		return nil, fmt.Errorf("morph: marker is %dx%d, mask is %dx%d",
			marker.W, marker.H, mask.W, mask.H)
	}
	for i, v := range marker.Pix {
		if v > mask.Pix[i] {
			return nil, fmt.Errorf("%w at (%d, %d)", ErrMarkerExceedsMask, i%mask.W, i/mask.W)
		}
	}

	total := len(marker.Pix)
	if total == 0 {
		return marker, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := sweepForward(marker, mask)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed += sweepBackward(marker, mask)
		if changed*10 <= total {
			break
		}
	}

	if err := propagate(ctx, marker, mask); err != nil {
		return nil, err
	}
	return marker, nil
}

// sweepForward raises each pixel from its north and west neighbors in
// raster order, capped by the mask. Returns the number of changed
// pixels.
func sweepForward(marker, mask *raster.Raster) int {
	w, h := marker.W, marker.H
	j := marker.Pix
	m := mask.Pix

	changed := 0
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			i := row + x
			v := j[i]
			if x > 0 && j[i-1] > v {
				v = j[i-1]
			}
			if y > 0 && j[i-w] > v {
				v = j[i-w]
			}
			if v > m[i] {
				v = m[i]
			}
			if v > j[i] {
				j[i] = v
				changed++
			}
		}
	}
	return changed
}

// sweepBackward is the mirror pass, raising from south and east.
func sweepBackward(marker, mask *raster.Raster) int {
	w, h := marker.W, marker.H
	j := marker.Pix
	m := mask.Pix

	changed := 0
	for y := h - 1; y >= 0; y-- {
		row := y * w
		for x := w - 1; x >= 0; x-- {
			i := row + x
			v := j[i]
			if x < w-1 && j[i+1] > v {
				v = j[i+1]
			}
			if y < h-1 && j[i+w] > v {
				v = j[i+w]
			}
			if v > m[i] {
				v = m[i]
			}
			if v > j[i] {
				j[i] = v
				changed++
			}
		}
	}
	return changed
}

// propagate finishes reconstruction with a FIFO queue. One seeding pass
// in backward order enqueues every pixel that can still push value into
// an unsaturated neighbor, then the queue drains.
func propagate(ctx context.Context, marker, mask *raster.Raster) error {
	w, h := marker.W, marker.H
	j := marker.Pix
	m := mask.Pix

	var queue fifo
	for y := h - 1; y >= 0; y-- {
		row := y * w
		for x := w - 1; x >= 0; x-- {
			i := row + x
			v := j[i]
			if x < w-1 && j[i+1] > v {
				v = j[i+1]
			}
			if y < h-1 && j[i+w] > v {
				v = j[i+w]
			}
			if v > m[i] {
				v = m[i]
			}
			if v > j[i] {
				j[i] = v
			}
			if x < w-1 && j[i+1] < j[i] && j[i+1] < m[i+1] {
				queue.push(i)
				continue
			}
			if y < h-1 && j[i+w] < j[i] && j[i+w] < m[i+w] {
				queue.push(i)
			}
		}
	}

	steps := 0
	for !queue.empty() {
		steps++
		if steps%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		i := queue.pop()
		x := i % w
		v := j[i]

		if x > 0 {
			if n := i - 1; j[n] < v && j[n] < m[n] {
				j[n] = min(v, m[n])
				queue.push(n)
			}
		}
		if x < w-1 {
			if n := i + 1; j[n] < v && j[n] < m[n] {
				j[n] = min(v, m[n])
				queue.push(n)
			}
		}
		if i >= w {
			if n := i - w; j[n] < v && j[n] < m[n] {
				j[n] = min(v, m[n])
				queue.push(n)
			}
		}
		if i < len(j)-w {
			if n := i + w; j[n] < v && j[n] < m[n] {
				j[n] = min(v, m[n])
				queue.push(n)
			}
		}
	}
	return nil
}

// fifo is a growable ring buffer of pixel indices.
type fifo struct {
	buf  []int
	head int
	n    int
}

func (q *fifo) empty() bool {
	return q.n == 0
}

func (q *fifo) push(v int) {
	if q.n == len(q.buf) {
		nbuf := make([]int, 2*len(q.buf)+64)
		for i := 0; i < q.n; i++ {
			nbuf[i] = q.buf[(q.head+i)%len(q.buf)]
		}
		q.buf = nbuf
		q.head = 0
	}
	q.buf[(q.head+q.n)%len(q.buf)] = v
	q.n++
}

func (q *fifo) pop() int {
	v := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return v
}
