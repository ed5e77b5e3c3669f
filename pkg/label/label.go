// Package label assigns connected-component labels to binary masks.
// Components are found by breadth-first flood fill under a selectable
// pixel connectivity. Labeling runs in 16 bits and widens to 32 bits
// the moment a mask needs more than 65535 components, so callers always
// see uint32 labels regardless of component count.
package label

import (
	"fmt"

	"histotrace/pkg/raster"
)

// Connectivity selects which neighbors belong to the same component.
type Connectivity int

const (
	// Conn4 connects pixels sharing an edge.
	Conn4 Connectivity = 4

	// Conn8 additionally connects pixels sharing only a corner.
	Conn8 Connectivity = 8
)

// Label assigns a distinct label to every connected foreground region
// of the mask and returns the label map together with the component
// count. Labels start at 1 in scan order; background stays 0. A
// connectivity other than Conn4 or Conn8 is an error.
func Label(mask *raster.BitMask, conn Connectivity) (*raster.LabelMap, int, error) {
	if conn != Conn4 && conn != Conn8 {
		return nil, 0, fmt.Errorf("label: unsupported connectivity %d", conn)
	}
	w, h := mask.W, mask.H

	lab16 := make([]uint16, w*h)
	var lab32 []uint32
	next := uint32(0)
	queue := make([]int, 0, 64)

	for i, on := range mask.Pix {
		if on == 0 {
			continue
		}
		if lab32 == nil {
			if lab16[i] != 0 {
				continue
			}
		} else if lab32[i] != 0 {
			continue
		}

		next++
		if lab32 == nil && next > 65535 {
			// The 16-bit plane is full; widen and keep going where we
			// left off.
			lab32 = make([]uint32, len(lab16))
			for j, v := range lab16 {
				lab32[j] = uint32(v)
			}
			lab16 = nil
		}

		if lab32 == nil {
			queue = flood16(mask, lab16, i, uint16(next), conn, queue)
		} else {
			queue = flood32(mask, lab32, i, next, conn, queue)
		}
	}

	lm := raster.NewLabelMap(w, h)
	if lab32 != nil {
		copy(lm.Pix, lab32)
	} else {
		for i, v := range lab16 {
			lm.Pix[i] = uint32(v)
		}
	}
	return lm, int(next), nil
}

// flood16 fills one component in the 16-bit label plane starting from
// start. The queue slice is reused across calls to avoid churn.
func flood16(mask *raster.BitMask, lab []uint16, start int, label uint16, conn Connectivity, queue []int) []int {
	w, h := mask.W, mask.H
	queue = queue[:0]
	lab[start] = label
	queue = append(queue, start)

	for qi := 0; qi < len(queue); qi++ {
		idx := queue[qi]
		x := idx % w
		y := idx / w

		for _, d := range neighborhood(conn) {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			n := ny*w + nx
			if mask.Pix[n] != 0 && lab[n] == 0 {
				lab[n] = label
				queue = append(queue, n)
			}
		}
	}
	return queue
}

// flood32 is flood16 on the widened plane.
func flood32(mask *raster.BitMask, lab []uint32, start int, label uint32, conn Connectivity, queue []int) []int {
	w, h := mask.W, mask.H
	queue = queue[:0]
	lab[start] = label
	queue = append(queue, start)

	for qi := 0; qi < len(queue); qi++ {
		idx := queue[qi]
		x := idx % w
		y := idx / w

		for _, d := range neighborhood(conn) {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			n := ny*w + nx
			if mask.Pix[n] != 0 && lab[n] == 0 {
				lab[n] = label
				queue = append(queue, n)
			}
		}
	}
	return queue
}

var (
	offsets4 = [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	offsets8 = [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}, {-1, -1}, {1, -1}, {-1, 1}, {1, 1}}
)

func neighborhood(conn Connectivity) [][2]int {
	if conn == Conn8 {
		return offsets8
	}
	return offsets4
}

// Relabel compacts sparse label values to 1..n, keeping first-seen scan
// order. The map is rewritten in place; the new label count is
// returned.
func Relabel(lm *raster.LabelMap) int {
	remap := make(map[uint32]uint32)
	next := uint32(0)
	for i, v := range lm.Pix {
		if v == 0 {
			continue
		}
		nv, ok := remap[v]
		if !ok {
			next++
			nv = next
			remap[v] = nv
		}
		lm.Pix[i] = nv
	}
	return int(next)
}

// Sizes returns the pixel count of every label present.
func Sizes(lm *raster.LabelMap) map[uint32]int {
	sizes := make(map[uint32]int)
	for _, v := range lm.Pix {
		if v != 0 {
			sizes[v]++
		}
	}
	return sizes
}

// RemoveSmall clears connected components with fewer than minPixels
// pixels. The mask is rewritten in place; the number of removed
// components is returned.
func RemoveSmall(mask *raster.BitMask, minPixels int, conn Connectivity) (int, error) {
	if minPixels <= 1 {
		return 0, nil
	}
	lm, _, err := Label(mask, conn)
	if err != nil {
		return 0, err
	}
	sizes := Sizes(lm)

	removed := 0
	small := make(map[uint32]bool)
	for label, n := range sizes {
		if n < minPixels {
			small[label] = true
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	for i, v := range lm.Pix {
		if v != 0 && small[v] {
			mask.Pix[i] = 0
		}
	}
	return removed, nil
}
