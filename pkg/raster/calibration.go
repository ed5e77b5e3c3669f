package raster

// PixelCalibration relates raster pixel indices to geometry space and
// physical units. Geometry space is full-resolution pixel coordinates:
// a raster traced at a downsample emits vertices scaled back to full
// resolution, and area thresholds given in physical units are converted
// through the pixel size.
type PixelCalibration struct {
	// PixelWidth and PixelHeight are the physical size of one
	// full-resolution pixel, typically micrometers.
	PixelWidth  float64
	PixelHeight float64

	// ZSpacing is the physical distance between z-stack planes, in the
	// same unit as the pixel sizes.
	ZSpacing float64

	// Downsample is the factor between this raster and full
	// resolution. 1 means the raster is at full resolution.
	Downsample float64

	// OffsetX and OffsetY place the raster origin in full-resolution
	// pixel coordinates, used when the raster is a tile of a larger
	// plane.
	OffsetX float64
	OffsetY float64
}

// DefaultCalibration returns a unit calibration: 1x1 pixels, unit
// z spacing, no downsampling, origin at zero.
func DefaultCalibration() PixelCalibration {
	return PixelCalibration{
		PixelWidth:  1,
		PixelHeight: 1,
		ZSpacing:    1,
		Downsample:  1,
	}
}

// Apply maps a raster coordinate to geometry space.
func (c PixelCalibration) Apply(x, y float64) (float64, float64) {
	return c.OffsetX + x*c.Downsample, c.OffsetY + y*c.Downsample
}

// AreaToPhysical converts an area in geometry space (full-resolution
// square pixels) to physical units.
func (c PixelCalibration) AreaToPhysical(a float64) float64 {
	return a * c.PixelWidth * c.PixelHeight
}

// PhysicalToArea converts a physical area threshold to geometry space.
func (c PixelCalibration) PhysicalToArea(a float64) float64 {
	if c.PixelWidth == 0 || c.PixelHeight == 0 {
		return a
	}
	return a / (c.PixelWidth * c.PixelHeight)
}

// PixelArea returns the physical area covered by one raster pixel,
// accounting for the downsample.
func (c PixelCalibration) PixelArea() float64 {
	return c.PixelWidth * c.PixelHeight * c.Downsample * c.Downsample
}

// Border selects how convolution reads samples outside the plane.
type Border int

const (
	// BorderReflect mirrors the plane at the edge, repeating the edge
	// sample: indices -1, -2 read samples 0, 1.
	BorderReflect Border = iota

	// BorderReplicate clamps reads to the nearest edge sample.
	BorderReplicate

	// BorderWrap reads from the opposite edge.
	BorderWrap
)

// String returns the policy name used in configuration files.
func (b Border) String() string {
	switch b {
	case BorderReflect:
		return "reflect"
	case BorderReplicate:
		return "replicate"
	case BorderWrap:
		return "wrap"
	default:
		return "unknown"
	}
}

// ParseBorder maps a configuration name to a policy. Unknown names fall
// back to reflect.
func ParseBorder(s string) Border {
	switch s {
	case "replicate":
		return BorderReplicate
	case "wrap":
		return BorderWrap
	default:
		return BorderReflect
	}
}

// ExtendIndex maps an out-of-range index onto [0, n) under the policy.
// n must be positive.
func (b Border) ExtendIndex(i, n int) int {
	if i >= 0 && i < n {
		return i
	}
	switch b {
	case BorderReplicate:
		if i < 0 {
			return 0
		}
		return n - 1
	case BorderWrap:
		i %= n
		if i < 0 {
			i += n
		}
		return i
	default:
		// Reflection can bounce more than once when the kernel radius
		// exceeds the plane size.
		for i < 0 || i >= n {
			if i < 0 {
				i = -i - 1
			}
			if i >= n {
				i = 2*n - 1 - i
			}
		}
		return i
	}
}
