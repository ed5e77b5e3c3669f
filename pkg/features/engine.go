// Package features computes multiscale Gaussian filter banks over 2D
// rasters and z-stacks. All filters are separable Gaussian derivatives,
// so each feature costs a handful of 1D passes rather than a full N-D
// convolution. Derivative planes are shared between features computed
// at the same scale.
package features

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"histotrace/pkg/raster"
)

// Feature identifies one derived measurement of the filter bank.
type Feature int

const (
	// FeatureGaussian is the Gaussian-smoothed value.
	FeatureGaussian Feature = iota
	// FeatureLaplacian is the sum of unmixed second derivatives.
	FeatureLaplacian
	// FeatureWeightedStdDev is the Gaussian-weighted local standard
	// deviation.
	FeatureWeightedStdDev
	// FeatureGradientMagnitude is the Euclidean norm of the first
	// derivatives.
	FeatureGradientMagnitude
	// FeatureStructureTensorEigMax is the largest eigenvalue of the
	// smoothed structure tensor.
	FeatureStructureTensorEigMax
	// FeatureStructureTensorEigMid is the middle eigenvalue, defined
	// for z-stacks only.
	FeatureStructureTensorEigMid
	// FeatureStructureTensorEigMin is the smallest eigenvalue.
	FeatureStructureTensorEigMin
	// FeatureStructureTensorCoherence measures how strongly the local
	// gradients share one orientation, in [0, 1].
	FeatureStructureTensorCoherence
	// FeatureHessianDeterminant is the determinant of the Hessian.
	FeatureHessianDeterminant
	// FeatureHessianEigMax is the algebraically largest Hessian
	// eigenvalue.
	FeatureHessianEigMax
	// FeatureHessianEigMid is the middle Hessian eigenvalue, defined
	// for z-stacks only.
	FeatureHessianEigMid
	// FeatureHessianEigMin is the algebraically smallest Hessian
	// eigenvalue.
	FeatureHessianEigMin
)

func (f Feature) String() string {
	switch f {
	case FeatureGaussian:
		return "gaussian"
	case FeatureLaplacian:
		return "laplacian"
	case FeatureWeightedStdDev:
		return "weighted_std_dev"
	case FeatureGradientMagnitude:
		return "gradient_magnitude"
	case FeatureStructureTensorEigMax:
		return "structure_tensor_eig_max"
	case FeatureStructureTensorEigMid:
		return "structure_tensor_eig_mid"
	case FeatureStructureTensorEigMin:
		return "structure_tensor_eig_min"
	case FeatureStructureTensorCoherence:
		return "structure_tensor_coherence"
	case FeatureHessianDeterminant:
		return "hessian_determinant"
	case FeatureHessianEigMax:
		return "hessian_eig_max"
	case FeatureHessianEigMid:
		return "hessian_eig_mid"
	case FeatureHessianEigMin:
		return "hessian_eig_min"
	}
	return fmt.Sprintf("feature(%d)", int(f))
}

// ParseFeature maps a feature name, as produced by String, back to the
// feature. Unknown names return an error listing the valid ones.
func ParseFeature(name string) (Feature, error) {
	for f := FeatureGaussian; f <= FeatureHessianEigMin; f++ {
		if f.String() == name {
			return f, nil
		}
	}
	valid := make([]string, 0, int(FeatureHessianEigMin)+1)
	for f := FeatureGaussian; f <= FeatureHessianEigMin; f++ {
		valid = append(valid, f.String())
	}
	return 0, fmt.Errorf("features: unknown feature %q, valid names are %s", name, strings.Join(valid, ", "))
}

// Scale holds per-axis Gaussian sigmas in pixel units.
type Scale struct {
	X, Y, Z float64
}

// IsoScale returns a scale with the same sigma on every axis.
func IsoScale(sigma float64) Scale {
	return Scale{X: sigma, Y: sigma, Z: sigma}
}

// FeatureSpec describes a multiscale feature request.
type FeatureSpec struct {
	// Sigmas lists the scales to compute, each producing one output
	// per requested feature.
	Sigmas []Scale

	// Features lists the measurements to compute at every scale.
	Features []Feature

	// Border selects how pixels beyond the raster edge are read.
	Border raster.Border

	// Padding is trimmed from every side of each output raster,
	// discarding the margin a caller added to suppress tile seams.
	Padding int

	// Isotropic derives the z-sigma from the stack calibration so the
	// smoothing kernel is spherical in physical units rather than in
	// pixel units. When false the explicit Z sigma is used, falling
	// back to X when unset.
	Isotropic bool
}

func (spec FeatureSpec) validate(w, h int) error {
	if len(spec.Sigmas) == 0 {
		return errors.New("features: no scales requested")
	}
	if len(spec.Features) == 0 {
		return errors.New("features: no features requested")
	}
	if spec.Padding < 0 || 2*spec.Padding >= w || 2*spec.Padding >= h {
		return fmt.Errorf("features: padding %d does not fit %dx%d input", spec.Padding, w, h)
	}
	return nil
}

// FeatureMap is one computed feature raster.
type FeatureMap struct {
	// Name combines the feature kind and scale, for example
	// "gaussian_sigma2.0".
	Name string

	// Feature is the measurement this raster holds.
	Feature Feature

	// Sigma is the scale actually used, with Z resolved against the
	// calibration when isotropic filtering was requested.
	Sigma Scale

	// Data is the feature raster, trimmed of any requested padding.
	Data *raster.Raster
}

func featureName(f Feature, sc Scale) string {
	return fmt.Sprintf("%s_sigma%.1f", f, sc.X)
}

type kernelKey struct {
	sigma float64
	order int
}

// Engine computes feature maps. Sampled kernels are cached across
// calls, so one engine should be shared by all workers processing a
// run. The zero value is not usable; call NewEngine.
type Engine struct {
	mu      sync.RWMutex
	kernels map[kernelKey]*kernel
	log     zerolog.Logger
}

// NewEngine returns an engine with an empty kernel cache and a
// discarding logger.
func NewEngine() *Engine {
	return &Engine{
		kernels: make(map[kernelKey]*kernel),
		log:     zerolog.Nop(),
	}
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(l zerolog.Logger) {
	e.log = l
}

// kernel returns the cached sampled kernel for a sigma and derivative
// order, building it on first use. Safe for concurrent use.
func (e *Engine) kernel(sigma float64, order int) *kernel {
	key := kernelKey{sigma: sigma, order: order}
	e.mu.RLock()
	k, ok := e.kernels[key]
	e.mu.RUnlock()
	if ok {
		return k
	}

	k = newKernel(sigma, order)
	e.mu.Lock()
	if cached, ok := e.kernels[key]; ok {
		k = cached
	} else {
		e.kernels[key] = k
	}
	e.mu.Unlock()
	return k
}

// Compute2D computes the requested features of a single raster. The
// returned maps are ordered by feature and then by scale, in the order
// the FeatureSpec lists them.
func (e *Engine) Compute2D(src *raster.Raster, spec FeatureSpec) ([]FeatureMap, error) {
	if err := spec.validate(src.W, src.H); err != nil {
		return nil, err
	}
	e.log.Debug().
		Int("width", src.W).
		Int("height", src.H).
		Int("scales", len(spec.Sigmas)).
		Int("features", len(spec.Features)).
		Msg("computing 2D features")

	results := make([][]FeatureMap, len(spec.Sigmas))
	errs := make([]error, len(spec.Sigmas))
	var wg sync.WaitGroup
	for si := range spec.Sigmas {
		wg.Add(1)
		go func(si int) {
			defer wg.Done()
			results[si], errs[si] = e.computeScale2D(src, spec, spec.Sigmas[si])
		}(si)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return flatten(results, spec), nil
}

// Compute3D computes the requested features for plane ind of a
// z-stack, filtering across neighboring planes along z. The returned
// maps are ordered by feature and then by scale. A single-plane stack
// is computed through the 2D path, so no zero third eigenvalue
// appears.
func (e *Engine) Compute3D(stack *raster.ZStack, ind int, spec FeatureSpec) ([]FeatureMap, error) {
	if ind < 0 || ind >= stack.Depth() {
		return nil, fmt.Errorf("features: plane %d out of range for stack of depth %d", ind, stack.Depth())
	}
	if stack.Depth() == 1 {
		return e.Compute2D(stack.Planes[0], spec)
	}
	if err := spec.validate(stack.W(), stack.H()); err != nil {
		return nil, err
	}
	e.log.Debug().
		Int("width", stack.W()).
		Int("height", stack.H()).
		Int("depth", stack.Depth()).
		Int("plane", ind).
		Int("scales", len(spec.Sigmas)).
		Int("features", len(spec.Features)).
		Msg("computing 3D features")

	results := make([][]FeatureMap, len(spec.Sigmas))
	errs := make([]error, len(spec.Sigmas))
	var wg sync.WaitGroup
	for si := range spec.Sigmas {
		wg.Add(1)
		go func(si int) {
			defer wg.Done()
			results[si], errs[si] = e.computeScale3D(stack, ind, spec, spec.Sigmas[si])
		}(si)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return flatten(results, spec), nil
}

func (e *Engine) computeScale2D(src *raster.Raster, spec FeatureSpec, sc Scale) ([]FeatureMap, error) {
	ops := newPlaneOps(e, src, sc, spec.Border)
	maps := make([]FeatureMap, len(spec.Features))
	for fi, f := range spec.Features {
		data, err := ops.feature(f)
		if err != nil {
			return nil, err
		}
		maps[fi] = FeatureMap{
			Name:    featureName(f, sc),
			Feature: f,
			Sigma:   sc,
			Data:    trimPadding(data, spec.Padding),
		}
	}
	return maps, nil
}

func (e *Engine) computeScale3D(stack *raster.ZStack, ind int, spec FeatureSpec, sc Scale) ([]FeatureMap, error) {
	resolved := Scale{X: sc.X, Y: sc.Y, Z: resolveSigmaZ(sc, stack.Cal, spec.Isotropic)}
	ops := newVolumeOps(e, stack.Planes, ind, resolved, spec.Border)
	maps := make([]FeatureMap, len(spec.Features))
	for fi, f := range spec.Features {
		data, err := ops.feature(f)
		if err != nil {
			return nil, err
		}
		maps[fi] = FeatureMap{
			Name:    featureName(f, resolved),
			Feature: f,
			Sigma:   resolved,
			Data:    trimPadding(data, spec.Padding),
		}
	}
	return maps, nil
}

// resolveSigmaZ picks the z-sigma for one scale. Isotropic filtering
// rescales the x-sigma by the ratio of pixel size to plane spacing, so
// a stack with coarse z-spacing is smoothed across fewer planes.
func resolveSigmaZ(sc Scale, cal raster.PixelCalibration, isotropic bool) float64 {
	if isotropic && cal.ZSpacing > 0 {
		return sc.X / cal.ZSpacing * cal.PixelWidth
	}
	if sc.Z > 0 {
		return sc.Z
	}
	return sc.X
}

func flatten(results [][]FeatureMap, spec FeatureSpec) []FeatureMap {
	out := make([]FeatureMap, 0, len(spec.Features)*len(spec.Sigmas))
	for fi := range spec.Features {
		for si := range spec.Sigmas {
			out = append(out, results[si][fi])
		}
	}
	return out
}

func trimPadding(r *raster.Raster, pad int) *raster.Raster {
	if pad <= 0 {
		return r
	}
	return r.SubRegion(pad, pad, r.W-pad, r.H-pad)
}
