package features

import (
	"fmt"
	"math"

	"histotrace/pkg/raster"
)

// planeOps computes and caches the derivative planes of one raster at
// one scale. It is used by a single goroutine.
type planeOps struct {
	e      *Engine
	src    *raster.Raster
	scale  Scale
	border raster.Border

	derivs        map[[2]int]*raster.Raster
	smSq          *raster.Raster
	stA, stB, stC *raster.Raster
}

func newPlaneOps(e *Engine, src *raster.Raster, sc Scale, border raster.Border) *planeOps {
	return &planeOps{
		e:      e,
		src:    src,
		scale:  sc,
		border: border,
		derivs: make(map[[2]int]*raster.Raster),
	}
}

// deriv returns the source filtered with the given derivative orders
// along x and y, computing it on first use.
func (o *planeOps) deriv(ox, oy int) *raster.Raster {
	key := [2]int{ox, oy}
	if r, ok := o.derivs[key]; ok {
		return r
	}
	r := convolveXY(o.src, o.e.kernel(o.scale.X, ox), o.e.kernel(o.scale.Y, oy), o.border)
	o.derivs[key] = r
	return r
}

func (o *planeOps) smoothedSquares() *raster.Raster {
	if o.smSq == nil {
		o.smSq = convolveXY(multiplied(o.src, o.src),
			o.e.kernel(o.scale.X, 0), o.e.kernel(o.scale.Y, 0), o.border)
	}
	return o.smSq
}

// structureTensor returns the smoothed tensor components A, B, C of
// [[A, B], [B, C]], built from products of the first derivatives.
func (o *planeOps) structureTensor() (a, b, c *raster.Raster) {
	if o.stA == nil {
		dx, dy := o.deriv(1, 0), o.deriv(0, 1)
		kx, ky := o.e.kernel(o.scale.X, 0), o.e.kernel(o.scale.Y, 0)
		o.stA = convolveXY(multiplied(dx, dx), kx, ky, o.border)
		o.stB = convolveXY(multiplied(dx, dy), kx, ky, o.border)
		o.stC = convolveXY(multiplied(dy, dy), kx, ky, o.border)
	}
	return o.stA, o.stB, o.stC
}

func (o *planeOps) feature(f Feature) (*raster.Raster, error) {
	switch f {
	case FeatureGaussian:
		return o.deriv(0, 0), nil

	case FeatureWeightedStdDev:
		return weightedStdDev(o.deriv(0, 0), o.smoothedSquares()), nil

	case FeatureGradientMagnitude:
		dx, dy := o.deriv(1, 0), o.deriv(0, 1)
		out := raster.New(o.src.W, o.src.H)
		for i := range out.Pix {
			gx, gy := float64(dx.Pix[i]), float64(dy.Pix[i])
			out.Pix[i] = float32(math.Sqrt(gx*gx + gy*gy))
		}
		return out, nil

	case FeatureLaplacian:
		dxx, dyy := o.deriv(2, 0), o.deriv(0, 2)
		out := raster.New(o.src.W, o.src.H)
		for i := range out.Pix {
			out.Pix[i] = dxx.Pix[i] + dyy.Pix[i]
		}
		return out, nil

	case FeatureHessianDeterminant:
		dxx, dxy, dyy := o.deriv(2, 0), o.deriv(1, 1), o.deriv(0, 2)
		out := raster.New(o.src.W, o.src.H)
		for i := range out.Pix {
			a, b, c := float64(dxx.Pix[i]), float64(dxy.Pix[i]), float64(dyy.Pix[i])
			out.Pix[i] = float32(a*c - b*b)
		}
		return out, nil

	case FeatureHessianEigMax:
		return eigen2Plane(o.deriv(2, 0), o.deriv(1, 1), o.deriv(0, 2), true), nil
	case FeatureHessianEigMin:
		return eigen2Plane(o.deriv(2, 0), o.deriv(1, 1), o.deriv(0, 2), false), nil

	case FeatureStructureTensorEigMax:
		a, b, c := o.structureTensor()
		return eigen2Plane(a, b, c, true), nil
	case FeatureStructureTensorEigMin:
		a, b, c := o.structureTensor()
		return eigen2Plane(a, b, c, false), nil

	case FeatureStructureTensorCoherence:
		a, b, c := o.structureTensor()
		out := raster.New(o.src.W, o.src.H)
		for i := range out.Pix {
			hi, lo := eigen2(float64(a.Pix[i]), float64(b.Pix[i]), float64(c.Pix[i]))
			out.Pix[i] = float32(coherence(hi, lo))
		}
		return out, nil

	case FeatureHessianEigMid, FeatureStructureTensorEigMid:
		return nil, fmt.Errorf("features: %s requires a z-stack", f)
	}
	return nil, fmt.Errorf("features: unsupported feature %s", f)
}

func multiplied(a, b *raster.Raster) *raster.Raster {
	out := raster.New(a.W, a.H)
	for i := range out.Pix {
		out.Pix[i] = a.Pix[i] * b.Pix[i]
	}
	return out
}

// weightedStdDev derives the local standard deviation from the
// smoothed values and smoothed squares, clamping the variance at zero
// where rounding drives it slightly negative.
func weightedStdDev(sm, smSq *raster.Raster) *raster.Raster {
	out := raster.New(sm.W, sm.H)
	for i := range out.Pix {
		m := float64(sm.Pix[i])
		v := float64(smSq.Pix[i]) - m*m
		if v < 0 {
			v = 0
		}
		out.Pix[i] = float32(math.Sqrt(v))
	}
	return out
}

// eigen2 returns the eigenvalues of the symmetric matrix
// [[a, b], [b, c]], largest first.
func eigen2(a, b, c float64) (float64, float64) {
	mean := (a + c) / 2
	d := math.Sqrt((a-c)*(a-c)/4 + b*b)
	return mean + d, mean - d
}

func eigen2Plane(xx, xy, yy *raster.Raster, wantMax bool) *raster.Raster {
	out := raster.New(xx.W, xx.H)
	for i := range out.Pix {
		hi, lo := eigen2(float64(xx.Pix[i]), float64(xy.Pix[i]), float64(yy.Pix[i]))
		if wantMax {
			out.Pix[i] = float32(hi)
		} else {
			out.Pix[i] = float32(lo)
		}
	}
	return out
}

// coherence is ((hi-lo)/(hi+lo))^2, or zero for a degenerate tensor.
func coherence(hi, lo float64) float64 {
	sum := hi + lo
	if sum == 0 {
		return 0
	}
	d := (hi - lo) / sum
	return d * d
}
