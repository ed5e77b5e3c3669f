// Package render turns rasters, masks and label maps into images for
// inspection and export.
package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"

	"histotrace/pkg/raster"
)

// goldenAngle spaces label hues so that consecutive labels land far
// apart on the color wheel.
const goldenAngle = 137.50776405003785

// Gray renders a raster to 16-bit grayscale, mapping [lo, hi] onto the
// full output range. Values outside the range clamp.
func Gray(r *raster.Raster, lo, hi float32) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, r.W, r.H))
	span := float64(hi) - float64(lo)
	if span <= 0 {
		return img
	}
	for y := 0; y < r.H; y++ {
		for x := 0; x < r.W; x++ {
			t := (float64(r.At(x, y)) - float64(lo)) / span
			value := uint16(math.Max(0, math.Min(65535, t*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// GrayAuto renders a raster to 16-bit grayscale using its own value
// range. A flat raster renders black.
func GrayAuto(r *raster.Raster) *image.Gray16 {
	lo, hi := r.MinMax()
	return Gray(r, lo, hi)
}

// LabelColor returns the color assigned to a label. Labels step around
// the hue wheel by the golden angle, so nearby labels stay visually
// distinct, and the same label always maps to the same color.
func LabelColor(label uint32) color.RGBA {
	hue := math.Mod(float64(label)*goldenAngle, 360)
	r, g, b := colorful.Hsv(hue, 0.7, 0.95).RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Labels renders a label map with a distinct color per label and black
// background.
func Labels(lm *raster.LabelMap) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, lm.W, lm.H))
	for y := 0; y < lm.H; y++ {
		for x := 0; x < lm.W; x++ {
			label := lm.At(x, y)
			if label == 0 {
				img.SetRGBA(x, y, color.RGBA{A: 255})
				continue
			}
			img.SetRGBA(x, y, LabelColor(label))
		}
	}
	return img
}

// Overlay draws the mask over a grayscale rendering of src in the given
// color. alpha blends between the underlying gray (0) and the overlay
// color (1).
func Overlay(src *raster.Raster, mask *raster.BitMask, col color.RGBA, alpha float64) (*image.RGBA, error) {
	if src.W != mask.W || src.H != mask.H {
		return nil, fmt.Errorf("render: mask is %dx%d, raster is %dx%d", mask.W, mask.H, src.W, src.H)
	}
	alpha = math.Max(0, math.Min(1, alpha))

	base := GrayAuto(src)
	img := image.NewRGBA(image.Rect(0, 0, src.W, src.H))
	for y := 0; y < src.H; y++ {
		for x := 0; x < src.W; x++ {
			gray := uint8(base.Gray16At(x, y).Y >> 8)
			out := color.RGBA{R: gray, G: gray, B: gray, A: 255}
			if mask.On(x, y) {
				out.R = blend(gray, col.R, alpha)
				out.G = blend(gray, col.G, alpha)
				out.B = blend(gray, col.B, alpha)
			}
			img.SetRGBA(x, y, out)
		}
	}
	return img, nil
}

func blend(under, over uint8, alpha float64) uint8 {
	v := (1-alpha)*float64(under) + alpha*float64(over)
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}
