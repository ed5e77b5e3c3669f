package raster

import "fmt"

// LabelMap assigns a component label to every pixel. Label 0 is
// background. Labels are always exposed as uint32; producers that work
// in 16 bits internally widen before returning.
type LabelMap struct {
	// W and H are the plane dimensions in pixels.
	W, H int

	// Pix holds the labels in row-major order, length W*H.
	Pix []uint32
}

// NewLabelMap returns an all-background label map of the given size.
func NewLabelMap(w, h int) *LabelMap {
	return &LabelMap{W: w, H: h, Pix: make([]uint32, w*h)}
}

// At returns the label at (x, y).
func (lm *LabelMap) At(x, y int) uint32 {
	return lm.Pix[y*lm.W+x]
}

// Max returns the largest label present.
func (lm *LabelMap) Max() uint32 {
	var max uint32
	for _, v := range lm.Pix {
		if v > max {
			max = v
		}
	}
	return max
}

// Mask extracts the pixels carrying one label as a binary mask.
func (lm *LabelMap) Mask(label uint32) *BitMask {
	m := NewBitMask(lm.W, lm.H)
	for i, v := range lm.Pix {
		if v == label {
			m.Pix[i] = 1
		}
	}
	return m
}

// Nonzero returns the mask of all labeled pixels.
func (lm *LabelMap) Nonzero() *BitMask {
	m := NewBitMask(lm.W, lm.H)
	for i, v := range lm.Pix {
		if v != 0 {
			m.Pix[i] = 1
		}
	}
	return m
}

// ArgMax collapses per-class probability planes into a label map. The
// label at each pixel is the index of the plane with the largest sample
// plus one, with ties resolved toward the lowest index. If background
// is a valid plane index, that plane maps to label 0 instead; pass a
// negative background when every class is a foreground class.
func ArgMax(classes []*Raster, background int) (*LabelMap, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("raster: argmax needs at least one class plane")
	}
	w, h := classes[0].W, classes[0].H
	for i, c := range classes {
		if c.W != w || c.H != h {
			return nil, fmt.Errorf("raster: class plane %d is %dx%d, want %dx%d", i, c.W, c.H, w, h)
		}
	}

	lm := NewLabelMap(w, h)
	for i := range lm.Pix {
		best := 0
		bestV := classes[0].Pix[i]
		for c := 1; c < len(classes); c++ {
			if v := classes[c].Pix[i]; v > bestV {
				best = c
				bestV = v
			}
		}
		if best == background {
			continue
		}
		label := uint32(best + 1)
		if background >= 0 && best > background {
			// Foreground labels stay contiguous when a background
			// plane sits between them.
			label--
		}
		lm.Pix[i] = label
	}
	return lm, nil
}
