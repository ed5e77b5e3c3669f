package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"histotrace/pkg/raster"
)

// volumeOps computes and caches derivative planes of a z-stack at one
// scale, for one output plane. Derivatives at neighboring planes are
// kept around because the structure tensor smooths their products
// across z. It is used by a single goroutine.
type volumeOps struct {
	e      *Engine
	planes []*raster.Raster
	ind    int
	scale  Scale
	border raster.Border

	zc      [3]*raster.Raster
	smSq    *raster.Raster
	deriv   [3]map[int]*raster.Raster
	seconds map[[2]int]*raster.Raster
	tensor  map[[2]int]*raster.Raster
}

func newVolumeOps(e *Engine, planes []*raster.Raster, ind int, sc Scale, border raster.Border) *volumeOps {
	o := &volumeOps{
		e:       e,
		planes:  planes,
		ind:     ind,
		scale:   sc,
		border:  border,
		seconds: make(map[[2]int]*raster.Raster),
		tensor:  make(map[[2]int]*raster.Raster),
	}
	for i := range o.deriv {
		o.deriv[i] = make(map[int]*raster.Raster)
	}
	return o
}

func (o *volumeOps) size() (int, int) {
	return o.planes[0].W, o.planes[0].H
}

// collapsed returns the stack reduced to a single plane at ind with
// the z-kernel of the given derivative order.
func (o *volumeOps) collapsed(order int) *raster.Raster {
	if o.zc[order] == nil {
		o.zc[order] = collapseZ(o.planes, o.ind, o.e.kernel(o.scale.Z, order), o.border)
	}
	return o.zc[order]
}

func (o *volumeOps) smoothed() *raster.Raster {
	return o.secondDeriv(-1, -1)
}

// secondDeriv returns the mixed second derivative along the given axis
// pair (0 x, 1 y, 2 z), with (-1, -1) meaning plain smoothing. The
// axis pair must be ordered.
func (o *volumeOps) secondDeriv(a1, a2 int) *raster.Raster {
	key := [2]int{a1, a2}
	if r, ok := o.seconds[key]; ok {
		return r
	}
	var orders [3]int
	if a1 >= 0 {
		orders[a1]++
	}
	if a2 >= 0 {
		orders[a2]++
	}
	r := convolveXY(o.collapsed(orders[2]),
		o.e.kernel(o.scale.X, orders[0]), o.e.kernel(o.scale.Y, orders[1]), o.border)
	o.seconds[key] = r
	return r
}

// firstDeriv returns the first derivative along axis, evaluated at
// plane p. Planes other than ind feed the structure tensor.
func (o *volumeOps) firstDeriv(axis, p int) *raster.Raster {
	if r, ok := o.deriv[axis][p]; ok {
		return r
	}
	zOrder := 0
	xOrder, yOrder := 0, 0
	switch axis {
	case 0:
		xOrder = 1
	case 1:
		yOrder = 1
	default:
		zOrder = 1
	}
	r := convolveXY(collapseZ(o.planes, p, o.e.kernel(o.scale.Z, zOrder), o.border),
		o.e.kernel(o.scale.X, xOrder), o.e.kernel(o.scale.Y, yOrder), o.border)
	o.deriv[axis][p] = r
	return r
}

// smoothedSquares is the 3D Gaussian smoothing of the squared input.
func (o *volumeOps) smoothedSquares() *raster.Raster {
	if o.smSq == nil {
		k := o.e.kernel(o.scale.Z, 0)
		w, h := o.size()
		acc := make([]float64, w*h)
		for j := -k.radius; j <= k.radius; j++ {
			p := o.planes[o.border.ExtendIndex(o.ind+j, len(o.planes))]
			weight := k.weights[j+k.radius]
			for i, v := range p.Pix {
				acc[i] += weight * float64(v) * float64(v)
			}
		}
		sq := raster.New(w, h)
		for i, v := range acc {
			sq.Pix[i] = float32(v)
		}
		o.smSq = convolveXY(sq, o.e.kernel(o.scale.X, 0), o.e.kernel(o.scale.Y, 0), o.border)
	}
	return o.smSq
}

// tensorComponent returns the smoothed structure tensor entry for an
// ordered axis pair: the product of the two first-derivative volumes,
// Gaussian-smoothed along z and then in-plane.
func (o *volumeOps) tensorComponent(a1, a2 int) *raster.Raster {
	key := [2]int{a1, a2}
	if r, ok := o.tensor[key]; ok {
		return r
	}
	k := o.e.kernel(o.scale.Z, 0)
	w, h := o.size()
	acc := make([]float64, w*h)
	for j := -k.radius; j <= k.radius; j++ {
		p := o.border.ExtendIndex(o.ind+j, len(o.planes))
		d1 := o.firstDeriv(a1, p)
		d2 := o.firstDeriv(a2, p)
		weight := k.weights[j+k.radius]
		for i := range acc {
			acc[i] += weight * float64(d1.Pix[i]) * float64(d2.Pix[i])
		}
	}
	prod := raster.New(w, h)
	for i, v := range acc {
		prod.Pix[i] = float32(v)
	}
	r := convolveXY(prod, o.e.kernel(o.scale.X, 0), o.e.kernel(o.scale.Y, 0), o.border)
	o.tensor[key] = r
	return r
}

func (o *volumeOps) hessianComponents() (xx, xy, xz, yy, yz, zz *raster.Raster) {
	return o.secondDeriv(0, 0), o.secondDeriv(0, 1), o.secondDeriv(0, 2),
		o.secondDeriv(1, 1), o.secondDeriv(1, 2), o.secondDeriv(2, 2)
}

func (o *volumeOps) tensorComponents() (xx, xy, xz, yy, yz, zz *raster.Raster) {
	return o.tensorComponent(0, 0), o.tensorComponent(0, 1), o.tensorComponent(0, 2),
		o.tensorComponent(1, 1), o.tensorComponent(1, 2), o.tensorComponent(2, 2)
}

func (o *volumeOps) feature(f Feature) (*raster.Raster, error) {
	w, h := o.size()
	switch f {
	case FeatureGaussian:
		return o.smoothed(), nil

	case FeatureWeightedStdDev:
		return weightedStdDev(o.smoothed(), o.smoothedSquares()), nil

	case FeatureGradientMagnitude:
		dx := o.firstDeriv(0, o.ind)
		dy := o.firstDeriv(1, o.ind)
		dz := o.firstDeriv(2, o.ind)
		out := raster.New(w, h)
		for i := range out.Pix {
			gx, gy, gz := float64(dx.Pix[i]), float64(dy.Pix[i]), float64(dz.Pix[i])
			out.Pix[i] = float32(math.Sqrt(gx*gx + gy*gy + gz*gz))
		}
		return out, nil

	case FeatureLaplacian:
		dxx, dyy, dzz := o.secondDeriv(0, 0), o.secondDeriv(1, 1), o.secondDeriv(2, 2)
		out := raster.New(w, h)
		for i := range out.Pix {
			out.Pix[i] = dxx.Pix[i] + dyy.Pix[i] + dzz.Pix[i]
		}
		return out, nil

	case FeatureHessianDeterminant:
		xx, xy, xz, yy, yz, zz := o.hessianComponents()
		out := raster.New(w, h)
		for i := range out.Pix {
			a, b, c := float64(xx.Pix[i]), float64(xy.Pix[i]), float64(xz.Pix[i])
			d, e, g := float64(yy.Pix[i]), float64(yz.Pix[i]), float64(zz.Pix[i])
			out.Pix[i] = float32(a*(d*g-e*e) - b*(b*g-c*e) + c*(b*e-c*d))
		}
		return out, nil

	case FeatureHessianEigMax:
		return o.eigen3Plane(o.hessianComponents, 2), nil
	case FeatureHessianEigMid:
		return o.eigen3Plane(o.hessianComponents, 1), nil
	case FeatureHessianEigMin:
		return o.eigen3Plane(o.hessianComponents, 0), nil

	case FeatureStructureTensorEigMax:
		return o.eigen3Plane(o.tensorComponents, 2), nil
	case FeatureStructureTensorEigMid:
		return o.eigen3Plane(o.tensorComponents, 1), nil
	case FeatureStructureTensorEigMin:
		return o.eigen3Plane(o.tensorComponents, 0), nil

	case FeatureStructureTensorCoherence:
		xx, xy, xz, yy, yz, zz := o.tensorComponents()
		out := raster.New(w, h)
		sym := mat.NewSymDense(3, nil)
		var ev mat.EigenSym
		vals := make([]float64, 3)
		failed := 0
		for i := range out.Pix {
			setSym3(sym, xx, xy, xz, yy, yz, zz, i)
			if !ev.Factorize(sym, false) {
				out.Pix[i] = float32(math.NaN())
				failed++
				continue
			}
			ev.Values(vals)
			out.Pix[i] = float32(coherence(vals[2], vals[0]))
		}
		if failed > 0 {
			o.e.log.Warn().Int("pixels", failed).Msg("eigendecomposition failed, coherence set to NaN")
		}
		return out, nil
	}
	return nil, fmt.Errorf("features: unsupported feature %s", f)
}

// eigen3Plane eigendecomposes the symmetric 3x3 matrix assembled from
// the component planes at every pixel and keeps the eigenvalue at
// pick, with 0 the smallest and 2 the largest. Pixels whose
// decomposition does not converge, typically because non-finite input
// poisoned the tensor, come back NaN and are counted in a warning.
func (o *volumeOps) eigen3Plane(components func() (xx, xy, xz, yy, yz, zz *raster.Raster), pick int) *raster.Raster {
	xx, xy, xz, yy, yz, zz := components()
	out := raster.New(xx.W, xx.H)
	sym := mat.NewSymDense(3, nil)
	var ev mat.EigenSym
	vals := make([]float64, 3)
	failed := 0
	for i := range out.Pix {
		setSym3(sym, xx, xy, xz, yy, yz, zz, i)
		if !ev.Factorize(sym, false) {
			out.Pix[i] = float32(math.NaN())
			failed++
			continue
		}
		ev.Values(vals)
		out.Pix[i] = float32(vals[pick])
	}
	if failed > 0 {
		o.e.log.Warn().Int("pixels", failed).Msg("eigendecomposition failed, eigenvalue set to NaN")
	}
	return out
}

func setSym3(sym *mat.SymDense, xx, xy, xz, yy, yz, zz *raster.Raster, i int) {
	sym.SetSym(0, 0, float64(xx.Pix[i]))
	sym.SetSym(0, 1, float64(xy.Pix[i]))
	sym.SetSym(0, 2, float64(xz.Pix[i]))
	sym.SetSym(1, 1, float64(yy.Pix[i]))
	sym.SetSym(1, 2, float64(yz.Pix[i]))
	sym.SetSym(2, 2, float64(zz.Pix[i]))
}
