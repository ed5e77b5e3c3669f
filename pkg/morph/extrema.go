package morph

import (
	"context"
	"fmt"

	"histotrace/pkg/raster"
)

// levelStep returns the height increment used to separate extremum
// plateaus from their surroundings, scaled to the raster's dynamic
// range with a floor for near-flat data.
func levelStep(min, max float32) float32 {
	d := (max - min) * 1e-4
	if d < 1e-6 {
		d = 1e-6
	}
	return d
}

// RegionalMaxima marks every plateau with no higher 4-neighbor. The
// input is not modified. A constant raster is one plateau and is
// marked entirely.
func (p *Processor) RegionalMaxima(ctx context.Context, r *raster.Raster) (*raster.BitMask, error) {
	lo, hi := r.MinMax()
	h := levelStep(lo, hi)

	marker := raster.New(r.W, r.H)
	for i, v := range r.Pix {
		marker.Pix[i] = v - h
	}
	rec, err := Reconstruct(ctx, marker, r)
	if err != nil {
		return nil, fmt.Errorf("regional maxima: %w", err)
	}

	out := raster.NewBitMask(r.W, r.H)
	for i, v := range r.Pix {
		if v-rec.Pix[i] > h/2 {
			out.Pix[i] = 1
		}
	}
	return out, nil
}

// RegionalMinima marks every plateau with no lower 4-neighbor. The
// input is not modified.
func (p *Processor) RegionalMinima(ctx context.Context, r *raster.Raster) (*raster.BitMask, error) {
	neg := negated(r)
	out, err := p.RegionalMaxima(ctx, neg)
	if err != nil {
		return nil, fmt.Errorf("regional minima: %w", err)
	}
	return out, nil
}

// ImposeMaxima rebuilds the raster so that its only regional maxima
// are the seed pixels: seeds are raised to the global maximum and
// every other peak is clipped to the highest pass connecting it to a
// seed. The input and seeds are not modified.
func (p *Processor) ImposeMaxima(ctx context.Context, r *raster.Raster, seeds *raster.BitMask) (*raster.Raster, error) {
	if seeds.W != r.W || seeds.H != r.H {
		return nil, fmt.Errorf("morph: seeds are %dx%d, raster is %dx%d", seeds.W, seeds.H, r.W, r.H)
	}

	lo, hi := r.MinMax()
	h := levelStep(lo, hi)

	marker := raster.New(r.W, r.H)
	mask := raster.New(r.W, r.H)
	for i, v := range r.Pix {
		if seeds.Pix[i] != 0 {
			marker.Pix[i] = hi
			mask.Pix[i] = hi
		} else {
			marker.Pix[i] = lo - h
			mask.Pix[i] = v - h
		}
	}

	out, err := Reconstruct(ctx, marker, mask)
	if err != nil {
		return nil, fmt.Errorf("impose maxima: %w", err)
	}
	return out, nil
}

// ImposeMinima is the dual of ImposeMaxima: the seed pixels become the
// only regional minima. The input and seeds are not modified.
func (p *Processor) ImposeMinima(ctx context.Context, r *raster.Raster, seeds *raster.BitMask) (*raster.Raster, error) {
	neg := negated(r)
	out, err := p.ImposeMaxima(ctx, neg, seeds)
	if err != nil {
		return nil, fmt.Errorf("impose minima: %w", err)
	}
	negate(out)
	return out, nil
}
