package morph

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"histotrace/pkg/raster"
)

// Strel is a structuring element given as a set of pixel offsets.
type Strel struct {
	// Radius is the disk radius the element was built from.
	Radius float64

	offsets [][2]int
}

// Size returns the number of pixels in the element.
func (s *Strel) Size() int {
	return len(s.offsets)
}

// makeDisk builds a disk element containing every offset whose center
// distance does not exceed the radius. Radius 1 gives the 4-neighbor
// plus shape, radius 1.5 the full 3x3 square.
func makeDisk(radius float64) *Strel {
	if radius < 0 {
		radius = 0
	}
	r := int(radius)
	var offsets [][2]int
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if float64(dx*dx+dy*dy) <= radius*radius {
				offsets = append(offsets, [2]int{dx, dy})
			}
		}
	}
	return &Strel{Radius: radius, offsets: offsets}
}

// StrelCache hands out disk structuring elements, building each radius
// once. Safe for concurrent use.
type StrelCache struct {
	mu    sync.RWMutex
	disks map[float64]*Strel
}

// NewStrelCache returns an empty cache.
func NewStrelCache() *StrelCache {
	return &StrelCache{disks: make(map[float64]*Strel)}
}

// Disk returns the cached disk for the radius, building it on first
// use.
func (c *StrelCache) Disk(radius float64) *Strel {
	c.mu.RLock()
	s, ok := c.disks[radius]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.disks[radius]; ok {
		return s
	}
	s = makeDisk(radius)
	c.disks[radius] = s
	return s
}

// Processor bundles the derived morphological operators with their
// structuring element cache. A zero Processor is not usable; use
// NewProcessor.
type Processor struct {
	strels *StrelCache
	log    zerolog.Logger
}

// NewProcessor returns a processor with an empty element cache and
// logging disabled.
func NewProcessor() *Processor {
	return &Processor{
		strels: NewStrelCache(),
		log:    zerolog.Nop(),
	}
}

// SetLogger directs diagnostic output.
func (p *Processor) SetLogger(l zerolog.Logger) {
	p.log = l
}

// Erode returns the grayscale erosion with a disk of the given radius.
// Reads beyond the plane replicate the edge sample. The input is not
// modified.
func (p *Processor) Erode(r *raster.Raster, radius float64) *raster.Raster {
	return p.rankFilter(r, radius, false)
}

// Dilate returns the grayscale dilation with a disk of the given
// radius. Reads beyond the plane replicate the edge sample. The input
// is not modified.
func (p *Processor) Dilate(r *raster.Raster, radius float64) *raster.Raster {
	return p.rankFilter(r, radius, true)
}

func (p *Processor) rankFilter(r *raster.Raster, radius float64, max bool) *raster.Raster {
	se := p.strels.Disk(radius)
	w, h := r.W, r.H
	out := raster.New(w, h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			best := r.Pix[y*w+x]
			for _, d := range se.offsets {
				nx := x + d[0]
				ny := y + d[1]
				if nx < 0 {
					nx = 0
				} else if nx >= w {
					nx = w - 1
				}
				if ny < 0 {
					ny = 0
				} else if ny >= h {
					ny = h - 1
				}
				v := r.Pix[ny*w+nx]
				if max {
					if v > best {
						best = v
					}
				} else if v < best {
					best = v
				}
			}
			out.Pix[y*w+x] = best
		}
	}
	return out
}

// Open returns the plain morphological opening: erosion then dilation
// with the same disk.
func (p *Processor) Open(r *raster.Raster, radius float64) *raster.Raster {
	return p.Dilate(p.Erode(r, radius), radius)
}

// Close returns the plain morphological closing: dilation then erosion
// with the same disk.
func (p *Processor) Close(r *raster.Raster, radius float64) *raster.Raster {
	return p.Erode(p.Dilate(r, radius), radius)
}

// OpenByReconstruction erodes with a disk and reconstructs under the
// original, removing structures the disk cannot contain while leaving
// every surviving structure exactly as it was. The input is not
// modified.
func (p *Processor) OpenByReconstruction(ctx context.Context, r *raster.Raster, radius float64) (*raster.Raster, error) {
	marker := p.Erode(r, radius)
	out, err := Reconstruct(ctx, marker, r)
	if err != nil {
		return nil, err
	}
	p.log.Debug().Float64("radius", radius).Msg("opening by reconstruction done")
	return out, nil
}

// CloseByReconstruction is the dual of OpenByReconstruction: dark
// structures the disk cannot contain are filled. The input is not
// modified.
func (p *Processor) CloseByReconstruction(ctx context.Context, r *raster.Raster, radius float64) (*raster.Raster, error) {
	neg := negated(r)
	marker := p.Erode(neg, radius)
	out, err := Reconstruct(ctx, marker, neg)
	if err != nil {
		return nil, err
	}
	negate(out)
	p.log.Debug().Float64("radius", radius).Msg("closing by reconstruction done")
	return out, nil
}

// negated returns a copy with every sample sign-flipped.
func negated(r *raster.Raster) *raster.Raster {
	out := raster.New(r.W, r.H)
	for i, v := range r.Pix {
		out.Pix[i] = -v
	}
	return out
}

// negate flips every sample in place.
func negate(r *raster.Raster) {
	for i := range r.Pix {
		r.Pix[i] = -r.Pix[i]
	}
}
