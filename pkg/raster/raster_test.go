package raster

import (
	"image"
	"image/color"
	"math"
	"testing"
)

// makeRaster builds a raster from a per-pixel pattern function.
func makeRaster(width, height int, pattern func(x, y int) float32) *Raster {
	r := New(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r.Set(x, y, pattern(x, y))
		}
	}
	return r
}

// makeMask builds a binary mask from a per-pixel predicate.
func makeMask(width, height int, pattern func(x, y int) bool) *BitMask {
	m := NewBitMask(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			m.Set(x, y, pattern(x, y))
		}
	}
	return m
}

// TestFromImageRoundTrip verifies image conversion preserves gray values
func TestFromImageRoundTrip(t *testing.T) {
	width, height := 4, 4
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16((y*width + x) * 4096)})
		}
	}

	r := FromImage(img)
	if r.W != width || r.H != height {
		t.Fatalf("expected %dx%d raster, got %dx%d", width, height, r.W, r.H)
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			expected := float32((y*width+x)*4096) / 65535.0
			got := r.At(x, y)
			if math.Abs(float64(got-expected)) > 0.001 {
				t.Errorf("at (%d,%d): expected %.6f, got %.6f", x, y, expected, got)
			}
		}
	}

	back := r.ToGray16()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			orig := img.Gray16At(x, y).Y
			round := back.Gray16At(x, y).Y
			diff := int(orig) - int(round)
			if diff < -1 || diff > 1 {
				t.Errorf("round trip at (%d,%d): expected %d, got %d", x, y, orig, round)
			}
		}
	}
}

// TestThreshold verifies inclusive range thresholding
func TestThreshold(t *testing.T) {
	r := makeRaster(4, 1, func(x, y int) float32 { return float32(x) * 0.25 })

	m := r.Threshold(0.25, 0.5)
	expected := []uint8{0, 1, 1, 0}
	for i, want := range expected {
		if m.Pix[i] != want {
			t.Errorf("pixel %d: expected %d, got %d", i, want, m.Pix[i])
		}
	}
	if m.Count() != 2 {
		t.Errorf("expected 2 set pixels, got %d", m.Count())
	}
}

// TestSubRegion verifies cropping with clamping
func TestSubRegion(t *testing.T) {
	r := makeRaster(5, 5, func(x, y int) float32 { return float32(y*5 + x) })

	sub := r.SubRegion(1, 2, 4, 4)
	if sub.W != 3 || sub.H != 2 {
		t.Fatalf("expected 3x2 sub-region, got %dx%d", sub.W, sub.H)
	}
	if sub.At(0, 0) != 11 || sub.At(2, 1) != 18 {
		t.Errorf("sub-region content wrong: corners %v, %v", sub.At(0, 0), sub.At(2, 1))
	}

	clamped := r.SubRegion(-2, -2, 10, 1)
	if clamped.W != 5 || clamped.H != 1 {
		t.Errorf("expected clamp to 5x1, got %dx%d", clamped.W, clamped.H)
	}
}

// TestBitMaskEdges verifies On treats out-of-range coordinates as off
func TestBitMaskEdges(t *testing.T) {
	m := makeMask(2, 2, func(x, y int) bool { return true })

	cases := []struct {
		x, y int
		want bool
	}{
		{0, 0, true},
		{1, 1, true},
		{-1, 0, false},
		{0, -1, false},
		{2, 0, false},
		{0, 2, false},
	}
	for _, tc := range cases {
		if got := m.On(tc.x, tc.y); got != tc.want {
			t.Errorf("On(%d,%d): expected %v, got %v", tc.x, tc.y, tc.want, got)
		}
	}
}

// TestBorderExtendIndex verifies the three out-of-range policies
func TestBorderExtendIndex(t *testing.T) {
	n := 4
	cases := []struct {
		border Border
		in     int
		want   int
	}{
		{BorderReflect, -1, 0},
		{BorderReflect, -2, 1},
		{BorderReflect, 4, 3},
		{BorderReflect, 5, 2},
		{BorderReplicate, -3, 0},
		{BorderReplicate, 7, 3},
		{BorderWrap, -1, 3},
		{BorderWrap, 4, 0},
		{BorderWrap, 9, 1},
	}
	for _, tc := range cases {
		if got := tc.border.ExtendIndex(tc.in, n); got != tc.want {
			t.Errorf("%v.ExtendIndex(%d, %d): expected %d, got %d",
				tc.border, tc.in, n, tc.want, got)
		}
	}

	// Reflection bounces repeatedly when the overshoot exceeds the plane.
	if got := BorderReflect.ExtendIndex(-5, 2); got < 0 || got > 1 {
		t.Errorf("deep reflection escaped range: got %d", got)
	}
}

// TestCalibrationApply verifies offset and downsample mapping
func TestCalibrationApply(t *testing.T) {
	cal := PixelCalibration{
		PixelWidth:  0.5,
		PixelHeight: 0.5,
		ZSpacing:    1,
		Downsample:  4,
		OffsetX:     100,
		OffsetY:     200,
	}

	x, y := cal.Apply(10, 20)
	if x != 140 || y != 280 {
		t.Errorf("expected (140, 280), got (%v, %v)", x, y)
	}

	if a := cal.AreaToPhysical(400); a != 100 {
		t.Errorf("expected physical area 100, got %v", a)
	}
	if a := cal.PhysicalToArea(100); a != 400 {
		t.Errorf("expected geometry area 400, got %v", a)
	}
	if a := cal.PixelArea(); a != 4 {
		t.Errorf("expected pixel area 4, got %v", a)
	}
}

// TestArgMax verifies probability collapse, ties and background mapping
func TestArgMax(t *testing.T) {
	a := makeRaster(2, 1, func(x, y int) float32 { return 0.5 })
	b := makeRaster(2, 1, func(x, y int) float32 {
		if x == 0 {
			return 0.9
		}
		return 0.5
	})

	t.Run("NoBackground", func(t *testing.T) {
		lm, err := ArgMax([]*Raster{a, b}, -1)
		if err != nil {
			t.Fatalf("ArgMax failed: %v", err)
		}
		if lm.At(0, 0) != 2 {
			t.Errorf("expected label 2 at x=0, got %d", lm.At(0, 0))
		}
		// Tie resolves to the lowest class index.
		if lm.At(1, 0) != 1 {
			t.Errorf("expected label 1 at x=1, got %d", lm.At(1, 0))
		}
	})

	t.Run("BackgroundChannel", func(t *testing.T) {
		lm, err := ArgMax([]*Raster{a, b}, 0)
		if err != nil {
			t.Fatalf("ArgMax failed: %v", err)
		}
		if lm.At(0, 0) != 1 {
			t.Errorf("expected foreground label 1 at x=0, got %d", lm.At(0, 0))
		}
		if lm.At(1, 0) != 0 {
			t.Errorf("expected background at x=1, got %d", lm.At(1, 0))
		}
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		_, err := ArgMax([]*Raster{a, New(3, 3)}, -1)
		if err == nil {
			t.Fatal("expected error for mismatched planes")
		}
	})
}

// TestLabelMapMask verifies single-label extraction
func TestLabelMapMask(t *testing.T) {
	lm := NewLabelMap(3, 1)
	lm.Pix[0] = 1
	lm.Pix[1] = 2
	lm.Pix[2] = 1

	m := lm.Mask(1)
	if m.Count() != 2 || !m.On(0, 0) || !m.On(2, 0) {
		t.Errorf("label 1 mask wrong: %v", m.Pix)
	}
	if lm.Max() != 2 {
		t.Errorf("expected max label 2, got %d", lm.Max())
	}
	if nz := lm.Nonzero().Count(); nz != 3 {
		t.Errorf("expected 3 labeled pixels, got %d", nz)
	}
}

// TestZStack verifies construction and validation
func TestZStack(t *testing.T) {
	planes := []*Raster{New(4, 3), New(4, 3)}
	z, err := NewZStack(planes, DefaultCalibration())
	if err != nil {
		t.Fatalf("NewZStack failed: %v", err)
	}
	if z.W() != 4 || z.H() != 3 || z.Depth() != 2 {
		t.Errorf("expected 4x3x2 stack, got %dx%dx%d", z.W(), z.H(), z.Depth())
	}

	if _, err := NewZStack([]*Raster{New(4, 3), New(3, 4)}, DefaultCalibration()); err == nil {
		t.Error("expected error for mismatched plane sizes")
	}
	if _, err := NewZStack(nil, DefaultCalibration()); err == nil {
		t.Error("expected error for empty stack")
	}
}
