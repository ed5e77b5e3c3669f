// Package raster provides the in-memory planes the rest of histotrace
// operates on: float32 rasters, binary masks, label maps, and the
// calibration that ties pixel coordinates to physical space.
//
// All planes are stored as flat slices in row-major order, indexed
// y*W + x. Functions state explicitly when they mutate an argument;
// everything else allocates its result.
package raster

import (
	"fmt"
	"image"
	"image/color"
)

// Raster is a single-channel float32 image plane.
type Raster struct {
	// W and H are the plane dimensions in pixels.
	W, H int

	// Pix holds the samples in row-major order, length W*H.
	Pix []float32
}

// New returns a zero-filled raster of the given size.
func New(w, h int) *Raster {
	return &Raster{W: w, H: h, Pix: make([]float32, w*h)}
}

// FromSlice wraps an existing sample slice without copying. The slice
// length must be exactly w*h.
func FromSlice(pix []float32, w, h int) (*Raster, error) {
	if len(pix) != w*h {
		return nil, fmt.Errorf("raster: %d samples for %dx%d plane", len(pix), w, h)
	}
	return &Raster{W: w, H: h, Pix: pix}, nil
}

// FromImage converts an image to a raster using the red channel of the
// 16-bit color representation, scaled to the 0-1 range. Grayscale
// sources therefore map their luma directly.
func FromImage(img image.Image) *Raster {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	result := New(width, height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			result.Pix[y*width+x] = float32(r) / 65535.0
		}
	}

	return result
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	out := &Raster{W: r.W, H: r.H, Pix: make([]float32, len(r.Pix))}
	copy(out.Pix, r.Pix)
	return out
}

// Index returns the flat index of (x, y).
func (r *Raster) Index(x, y int) int {
	return y*r.W + x
}

// At returns the sample at (x, y). No bounds checking beyond the
// underlying slice.
func (r *Raster) At(x, y int) float32 {
	return r.Pix[y*r.W+x]
}

// Set writes the sample at (x, y).
func (r *Raster) Set(x, y int, v float32) {
	r.Pix[y*r.W+x] = v
}

// MinMax returns the smallest and largest sample. A zero-size raster
// returns (0, 0).
func (r *Raster) MinMax() (float32, float32) {
	if len(r.Pix) == 0 {
		return 0, 0
	}
	min, max := r.Pix[0], r.Pix[0]
	for _, v := range r.Pix {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// Threshold returns the mask of pixels with lo <= v <= hi.
func (r *Raster) Threshold(lo, hi float32) *BitMask {
	m := NewBitMask(r.W, r.H)
	for i, v := range r.Pix {
		if v >= lo && v <= hi {
			m.Pix[i] = 1
		}
	}
	return m
}

// SubRegion copies the half-open rectangle [x0,x1)x[y0,y1) into a new
// raster. The rectangle is clamped to the plane.
func (r *Raster) SubRegion(x0, y0, x1, y1 int) *Raster {
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > r.W {
		x1 = r.W
	}
	if y1 > r.H {
		y1 = r.H
	}
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}

	out := New(x1-x0, y1-y0)
	for y := y0; y < y1; y++ {
		copy(out.Pix[(y-y0)*out.W:(y-y0+1)*out.W], r.Pix[y*r.W+x0:y*r.W+x1])
	}
	return out
}

// ToGray16 converts the raster to a 16-bit grayscale image, clamping
// samples to the 0-1 range.
func (r *Raster) ToGray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, r.W, r.H))
	for y := 0; y < r.H; y++ {
		for x := 0; x < r.W; x++ {
			v := r.Pix[y*r.W+x]
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v * 65535.0)})
		}
	}
	return img
}

// BitMask is a binary plane with the same layout as Raster. Samples are
// 0 or 1.
type BitMask struct {
	// W and H are the plane dimensions in pixels.
	W, H int

	// Pix holds the mask values in row-major order, length W*H.
	Pix []uint8
}

// NewBitMask returns an all-zero mask of the given size.
func NewBitMask(w, h int) *BitMask {
	return &BitMask{W: w, H: h, Pix: make([]uint8, w*h)}
}

// Clone returns a deep copy.
func (m *BitMask) Clone() *BitMask {
	out := &BitMask{W: m.W, H: m.H, Pix: make([]uint8, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// On reports whether (x, y) is set. Coordinates outside the plane are
// off, so callers scanning one past the edge need no special casing.
func (m *BitMask) On(x, y int) bool {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return false
	}
	return m.Pix[y*m.W+x] != 0
}

// Set writes the mask value at (x, y).
func (m *BitMask) Set(x, y int, on bool) {
	if on {
		m.Pix[y*m.W+x] = 1
	} else {
		m.Pix[y*m.W+x] = 0
	}
}

// Count returns the number of set pixels.
func (m *BitMask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// ToRaster converts the mask to a float raster with values 0 and 1.
func (m *BitMask) ToRaster() *Raster {
	out := New(m.W, m.H)
	for i, v := range m.Pix {
		if v != 0 {
			out.Pix[i] = 1
		}
	}
	return out
}

// ZStack is an ordered set of rasters sharing one plane size, bottom
// plane first.
type ZStack struct {
	// Planes are the z-slices in acquisition order.
	Planes []*Raster

	// Cal carries the pixel and slice spacing calibration.
	Cal PixelCalibration
}

// NewZStack validates that all planes share one size and wraps them.
func NewZStack(planes []*Raster, cal PixelCalibration) (*ZStack, error) {
	if len(planes) == 0 {
		return nil, fmt.Errorf("raster: z-stack needs at least one plane")
	}
	w, h := planes[0].W, planes[0].H
	for i, p := range planes {
		if p.W != w || p.H != h {
			return nil, fmt.Errorf("raster: plane %d is %dx%d, want %dx%d", i, p.W, p.H, w, h)
		}
	}
	return &ZStack{Planes: planes, Cal: cal}, nil
}

// W returns the plane width.
func (z *ZStack) W() int { return z.Planes[0].W }

// H returns the plane height.
func (z *ZStack) H() int { return z.Planes[0].H }

// Depth returns the number of planes.
func (z *ZStack) Depth() int { return len(z.Planes) }
