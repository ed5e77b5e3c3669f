package features

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"gonum.org/v1/gonum/stat"

	"histotrace/pkg/raster"
)

func makeRaster(w, h int, f func(x, y int) float32) *raster.Raster {
	r := raster.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r.Pix[y*w+x] = f(x, y)
		}
	}
	return r
}

func toF64(pix []float32) []float64 {
	out := make([]float64, len(pix))
	for i, v := range pix {
		out[i] = float64(v)
	}
	return out
}

// single returns the one feature map of a single-feature single-scale
// request.
func single(t *testing.T, e *Engine, src *raster.Raster, f Feature, sigma float64) *raster.Raster {
	t.Helper()
	maps, err := e.Compute2D(src, FeatureSpec{
		Sigmas:   []Scale{IsoScale(sigma)},
		Features: []Feature{f},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return maps[0].Data
}

func TestKernelNormalization(t *testing.T) {
	for _, sigma := range []float64{0.5, 1, 2, 4} {
		k0 := newKernel(sigma, 0)
		if want := int(math.Ceil(4 * sigma)); k0.radius != want {
			t.Errorf("sigma %v: expected radius %d, got %d", sigma, want, k0.radius)
		}
		var sum float64
		for _, w := range k0.weights {
			sum += w
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("sigma %v order 0: expected unit sum, got %v", sigma, sum)
		}

		k1 := newKernel(sigma, 1)
		var dc, ramp float64
		for j := -k1.radius; j <= k1.radius; j++ {
			dc += k1.weights[j+k1.radius]
			ramp += float64(j) * k1.weights[j+k1.radius]
		}
		if math.Abs(dc) > 1e-12 {
			t.Errorf("sigma %v order 1: expected zero DC response, got %v", sigma, dc)
		}
		if math.Abs(ramp-1) > 1e-12 {
			t.Errorf("sigma %v order 1: expected unit ramp response, got %v", sigma, ramp)
		}

		k2 := newKernel(sigma, 2)
		var dc2, curve float64
		for j := -k2.radius; j <= k2.radius; j++ {
			dc2 += k2.weights[j+k2.radius]
			curve += float64(j*j) * k2.weights[j+k2.radius]
		}
		if math.Abs(dc2) > 1e-12 {
			t.Errorf("sigma %v order 2: expected zero DC response, got %v", sigma, dc2)
		}
		if math.Abs(curve-2) > 1e-12 {
			t.Errorf("sigma %v order 2: expected curvature response 2, got %v", sigma, curve)
		}
	}
}

func TestKernelDegenerate(t *testing.T) {
	if k := newKernel(0, 0); len(k.weights) != 1 || k.weights[0] != 1 {
		t.Errorf("expected identity kernel, got %v", k.weights)
	}
	if k := newKernel(0, 1); k.radius != 1 || k.weights[0] != -0.5 || k.weights[2] != 0.5 {
		t.Errorf("expected central difference, got %v", k.weights)
	}
	if k := newKernel(0, 2); k.radius != 1 || k.weights[1] != -2 {
		t.Errorf("expected discrete second difference, got %v", k.weights)
	}
}

func TestGaussianIdentitySigmaZero(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	src := makeRaster(16, 12, func(x, y int) float32 { return rng.Float32() })

	out := single(t, NewEngine(), src, FeatureGaussian, 0)
	for i, v := range out.Pix {
		if v != src.Pix[i] {
			t.Fatalf("pixel %d: expected %v, got %v", i, src.Pix[i], v)
		}
	}
}

func TestConstantInput(t *testing.T) {
	src := makeRaster(32, 32, func(x, y int) float32 { return 0.7 })
	e := NewEngine()

	gauss := single(t, e, src, FeatureGaussian, 2)
	for i, v := range gauss.Pix {
		if math.Abs(float64(v)-0.7) > 1e-5 {
			t.Fatalf("pixel %d: expected 0.7, got %v", i, v)
		}
	}
	for _, f := range []Feature{FeatureLaplacian, FeatureGradientMagnitude, FeatureWeightedStdDev} {
		out := single(t, e, src, f, 2)
		for i, v := range out.Pix {
			if math.Abs(float64(v)) > 1e-3 {
				t.Fatalf("%s pixel %d: expected ~0 on constant input, got %v", f, i, v)
			}
		}
	}
}

func TestGaussianReducesVariance(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := makeRaster(64, 64, func(x, y int) float32 { return rng.Float32() })

	out := single(t, NewEngine(), src, FeatureGaussian, 2)
	before := stat.Variance(toF64(src.Pix), nil)
	after := stat.Variance(toF64(out.Pix), nil)
	if after >= before {
		t.Errorf("expected smoothing to reduce variance, got %v >= %v", after, before)
	}
}

func TestGradientMagnitudeRamp(t *testing.T) {
	src := makeRaster(40, 40, func(x, y int) float32 { return float32(x) })

	out := single(t, NewEngine(), src, FeatureGradientMagnitude, 2)
	for y := 10; y < 30; y++ {
		for x := 10; x < 30; x++ {
			if got := out.At(x, y); math.Abs(float64(got)-1) > 1e-3 {
				t.Fatalf("(%d, %d): expected unit gradient on ramp, got %v", x, y, got)
			}
		}
	}
}

func TestHessianSaddle(t *testing.T) {
	src := makeRaster(40, 40, func(x, y int) float32 {
		return float32(x*x-y*y) / 2
	})
	e := NewEngine()
	maps, err := e.Compute2D(src, FeatureSpec{
		Sigmas: []Scale{IsoScale(2)},
		Features: []Feature{
			FeatureHessianEigMax, FeatureHessianEigMin,
			FeatureHessianDeterminant, FeatureLaplacian,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{1, -1, -1, 0}
	for mi, m := range maps {
		for y := 10; y < 30; y++ {
			for x := 10; x < 30; x++ {
				if got := m.Data.At(x, y); math.Abs(float64(got)-want[mi]) > 1e-3 {
					t.Fatalf("%s at (%d, %d): expected %v, got %v", m.Name, x, y, want[mi], got)
				}
			}
		}
	}
}

func TestWeightedStdDevCheckerboard(t *testing.T) {
	src := makeRaster(48, 48, func(x, y int) float32 {
		return float32((x + y) % 2)
	})

	out := single(t, NewEngine(), src, FeatureWeightedStdDev, 2)
	for y := 20; y < 28; y++ {
		for x := 20; x < 28; x++ {
			if got := out.At(x, y); math.Abs(float64(got)-0.5) > 0.05 {
				t.Fatalf("(%d, %d): expected local stddev ~0.5, got %v", x, y, got)
			}
		}
	}
}

func TestStructureTensorRamp(t *testing.T) {
	src := makeRaster(52, 52, func(x, y int) float32 { return float32(x) })
	e := NewEngine()
	maps, err := e.Compute2D(src, FeatureSpec{
		Sigmas: []Scale{IsoScale(2)},
		Features: []Feature{
			FeatureStructureTensorEigMax,
			FeatureStructureTensorEigMin,
			FeatureStructureTensorCoherence,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for y := 18; y < 34; y++ {
		for x := 18; x < 34; x++ {
			if got := maps[0].Data.At(x, y); math.Abs(float64(got)-1) > 1e-3 {
				t.Fatalf("eig max at (%d, %d): expected 1, got %v", x, y, got)
			}
			if got := maps[1].Data.At(x, y); math.Abs(float64(got)) > 1e-3 {
				t.Fatalf("eig min at (%d, %d): expected 0, got %v", x, y, got)
			}
			if got := maps[2].Data.At(x, y); math.Abs(float64(got)-1) > 1e-3 {
				t.Fatalf("coherence at (%d, %d): expected 1 for a pure x gradient, got %v", x, y, got)
			}
		}
	}
}

func TestCoherenceDegenerate(t *testing.T) {
	if got := coherence(0, 0); got != 0 {
		t.Errorf("expected coherence 0 for a zero tensor, got %v", got)
	}
	if got := coherence(1, 1); got != 0 {
		t.Errorf("expected coherence 0 for equal eigenvalues, got %v", got)
	}
	if got := coherence(1, 0); got != 1 {
		t.Errorf("expected coherence 1 for a rank-one tensor, got %v", got)
	}
}

func TestPaddingTrim(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	src := makeRaster(24, 20, func(x, y int) float32 { return rng.Float32() })
	e := NewEngine()

	full, err := e.Compute2D(src, FeatureSpec{
		Sigmas:   []Scale{IsoScale(1)},
		Features: []Feature{FeatureGaussian},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trimmed, err := e.Compute2D(src, FeatureSpec{
		Sigmas:   []Scale{IsoScale(1)},
		Features: []Feature{FeatureGaussian},
		Padding:  4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := trimmed[0].Data
	if got.W != 16 || got.H != 12 {
		t.Fatalf("expected 16x12 after trimming, got %dx%d", got.W, got.H)
	}
	for y := 0; y < got.H; y++ {
		for x := 0; x < got.W; x++ {
			if got.At(x, y) != full[0].Data.At(x+4, y+4) {
				t.Fatalf("(%d, %d): trimmed output does not match full output", x, y)
			}
		}
	}
}

func TestCompute3DConstantStack(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	plane := makeRaster(32, 32, func(x, y int) float32 { return rng.Float32() })
	planes := make([]*raster.Raster, 5)
	for i := range planes {
		planes[i] = plane.Clone()
	}
	stack, err := raster.NewZStack(planes, raster.DefaultCalibration())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e := NewEngine()
	spec := FeatureSpec{
		Sigmas:   []Scale{IsoScale(2)},
		Features: []Feature{FeatureGaussian, FeatureGradientMagnitude},
	}
	flat, err := e.Compute2D(plane, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vol, err := e.Compute3D(stack, 2, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A stack that is constant along z must reproduce the 2D results.
	for mi := range flat {
		for i := range flat[mi].Data.Pix {
			a, b := float64(flat[mi].Data.Pix[i]), float64(vol[mi].Data.Pix[i])
			if math.Abs(a-b) > 1e-4 {
				t.Fatalf("%s pixel %d: 2D %v vs 3D %v", flat[mi].Name, i, a, b)
			}
		}
	}
}

func TestCompute3DSinglePlane(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	plane := makeRaster(24, 24, func(x, y int) float32 { return rng.Float32() })
	stack, err := raster.NewZStack([]*raster.Raster{plane}, raster.DefaultCalibration())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e := NewEngine()
	spec := FeatureSpec{
		Sigmas:   []Scale{IsoScale(1.5)},
		Features: []Feature{FeatureHessianEigMax, FeatureHessianEigMin},
	}
	flat, err := e.Compute2D(plane, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vol, err := e.Compute3D(stack, 0, spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One plane has no z structure, so the 2D eigenvalues come back
	// unchanged rather than gaining a third zero eigenvalue.
	for mi := range flat {
		for i := range flat[mi].Data.Pix {
			if flat[mi].Data.Pix[i] != vol[mi].Data.Pix[i] {
				t.Fatalf("%s pixel %d: 2D %v vs single-plane 3D %v",
					flat[mi].Name, i, flat[mi].Data.Pix[i], vol[mi].Data.Pix[i])
			}
		}
	}

	if _, err := e.Compute3D(stack, 0, FeatureSpec{
		Sigmas: []Scale{IsoScale(1.5)}, Features: []Feature{FeatureHessianEigMid},
	}); err == nil {
		t.Fatal("expected an error for the middle eigenvalue of a single plane")
	}
}

func TestCompute3DHessianSaddle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping per-pixel eigendecomposition in short mode")
	}
	plane := makeRaster(40, 40, func(x, y int) float32 {
		return float32(x*x-y*y) / 2
	})
	planes := make([]*raster.Raster, 5)
	for i := range planes {
		planes[i] = plane.Clone()
	}
	stack, err := raster.NewZStack(planes, raster.DefaultCalibration())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e := NewEngine()
	maps, err := e.Compute3D(stack, 2, FeatureSpec{
		Sigmas: []Scale{IsoScale(2)},
		Features: []Feature{
			FeatureHessianEigMax, FeatureHessianEigMid, FeatureHessianEigMin,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{1, 0, -1}
	for mi, m := range maps {
		for y := 10; y < 30; y++ {
			for x := 10; x < 30; x++ {
				if got := m.Data.At(x, y); math.Abs(float64(got)-want[mi]) > 1e-3 {
					t.Fatalf("%s at (%d, %d): expected %v, got %v", m.Name, x, y, want[mi], got)
				}
			}
		}
	}
}

func TestComputeErrors(t *testing.T) {
	e := NewEngine()
	src := raster.New(16, 16)
	stack, err := raster.NewZStack([]*raster.Raster{raster.New(16, 16)}, raster.DefaultCalibration())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name string
		run  func() error
	}{
		{"NoScales", func() error {
			_, err := e.Compute2D(src, FeatureSpec{Features: []Feature{FeatureGaussian}})
			return err
		}},
		{"NoFeatures", func() error {
			_, err := e.Compute2D(src, FeatureSpec{Sigmas: []Scale{IsoScale(1)}})
			return err
		}},
		{"PaddingTooLarge", func() error {
			_, err := e.Compute2D(src, FeatureSpec{
				Sigmas: []Scale{IsoScale(1)}, Features: []Feature{FeatureGaussian}, Padding: 8,
			})
			return err
		}},
		{"MidEigenvalueIn2D", func() error {
			_, err := e.Compute2D(src, FeatureSpec{
				Sigmas: []Scale{IsoScale(1)}, Features: []Feature{FeatureHessianEigMid},
			})
			return err
		}},
		{"PlaneOutOfRange", func() error {
			_, err := e.Compute3D(stack, 3, FeatureSpec{
				Sigmas: []Scale{IsoScale(1)}, Features: []Feature{FeatureGaussian},
			})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.run() == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestFeatureOrderAndNames(t *testing.T) {
	src := makeRaster(16, 16, func(x, y int) float32 { return float32(x) })
	e := NewEngine()
	maps, err := e.Compute2D(src, FeatureSpec{
		Sigmas:   []Scale{IsoScale(1), IsoScale(2)},
		Features: []Feature{FeatureGaussian, FeatureLaplacian},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{
		"gaussian_sigma1.0", "gaussian_sigma2.0",
		"laplacian_sigma1.0", "laplacian_sigma2.0",
	}
	if len(maps) != len(want) {
		t.Fatalf("expected %d maps, got %d", len(want), len(maps))
	}
	for i, m := range maps {
		if m.Name != want[i] {
			t.Errorf("map %d: expected name %q, got %q", i, want[i], m.Name)
		}
	}
}

func TestResolveSigmaZ(t *testing.T) {
	cal := raster.DefaultCalibration()
	cal.PixelWidth = 0.5
	cal.ZSpacing = 2

	cases := []struct {
		name      string
		scale     Scale
		isotropic bool
		want      float64
	}{
		{"Isotropic", IsoScale(2), true, 0.5},
		{"ExplicitZ", Scale{X: 2, Y: 2, Z: 3}, false, 3},
		{"FallbackToX", Scale{X: 2, Y: 2}, false, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveSigmaZ(tc.scale, cal, tc.isotropic); got != tc.want {
				t.Errorf("expected sigma z %v, got %v", tc.want, got)
			}
		})
	}
}

func TestFeatureStringUnknown(t *testing.T) {
	if got := Feature(99).String(); !strings.Contains(got, "99") {
		t.Errorf("expected placeholder name for unknown feature, got %q", got)
	}
}

func TestParseFeature(t *testing.T) {
	for f := FeatureGaussian; f <= FeatureHessianEigMin; f++ {
		got, err := ParseFeature(f.String())
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", f.String(), err)
		}
		if got != f {
			t.Errorf("expected %q to parse back to %d, got %d", f.String(), f, got)
		}
	}
	if _, err := ParseFeature("sobel"); err == nil {
		t.Error("expected an error for an unknown feature name")
	}
}
