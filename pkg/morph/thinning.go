package morph

import (
	"math/bits"
	"sync"

	"histotrace/pkg/raster"
)

// The deletability of a pixel depends only on its 8-neighborhood, so
// both thinning subpasses are precomputed as 256-entry tables, built
// once for the process.
var (
	thinOnce sync.Once
	thinLUT  [2][256]bool
)

// Neighbor bit order around a pixel, clockwise from north:
// bit 0 N, 1 NE, 2 E, 3 SE, 4 S, 5 SW, 6 W, 7 NW.
func thinTables() *[2][256]bool {
	thinOnce.Do(func() {
		for code := 0; code < 256; code++ {
			b := bits.OnesCount8(uint8(code))
			if b < 2 || b > 6 {
				continue
			}

			transitions := 0
			for i := 0; i < 8; i++ {
				cur := code >> i & 1
				next := code >> ((i + 1) % 8) & 1
				if cur == 0 && next == 1 {
					transitions++
				}
			}
			if transitions != 1 {
				continue
			}

			n := code&1 != 0
			e := code&4 != 0
			s := code&16 != 0
			w := code&64 != 0
			thinLUT[0][code] = !(n && e && s) && !(e && s && w)
			thinLUT[1][code] = !(n && e && w) && !(n && s && w)
		}
	})
	return &thinLUT
}

// Thin reduces the mask's foreground to lines of single-pixel width
// while preserving connectivity, using the two-subpass deletion
// criteria of Zhang and Suen. The mask is rewritten in place; the
// number of iterations that removed pixels is returned. Note that a
// 2x2 square has no stable skeleton under these criteria and
// disappears.
func Thin(mask *raster.BitMask) int {
	lut := thinTables()

	var toClear []int
	iterations := 0
	for {
		removed := 0
		for pass := 0; pass < 2; pass++ {
			toClear = toClear[:0]
			for y := 0; y < mask.H; y++ {
				for x := 0; x < mask.W; x++ {
					if mask.Pix[y*mask.W+x] == 0 {
						continue
					}
					if lut[pass][neighborCode(mask, x, y)] {
						toClear = append(toClear, y*mask.W+x)
					}
				}
			}
			for _, i := range toClear {
				mask.Pix[i] = 0
			}
			removed += len(toClear)
		}
		if removed == 0 {
			return iterations
		}
		iterations++
	}
}

// neighborCode packs the 8-neighborhood of (x, y) into a byte, with
// pixels outside the plane reading as background.
func neighborCode(mask *raster.BitMask, x, y int) int {
	code := 0
	if mask.On(x, y-1) {
		code |= 1
	}
	if mask.On(x+1, y-1) {
		code |= 2
	}
	if mask.On(x+1, y) {
		code |= 4
	}
	if mask.On(x+1, y+1) {
		code |= 8
	}
	if mask.On(x, y+1) {
		code |= 16
	}
	if mask.On(x-1, y+1) {
		code |= 32
	}
	if mask.On(x-1, y) {
		code |= 64
	}
	if mask.On(x-1, y-1) {
		code |= 128
	}
	return code
}
