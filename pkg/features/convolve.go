package features

import "histotrace/pkg/raster"

// convolveX correlates each row with k, extending out-of-range columns
// according to the border policy. The source is not modified.
func convolveX(src *raster.Raster, k *kernel, border raster.Border) *raster.Raster {
	out := raster.New(src.W, src.H)
	for y := 0; y < src.H; y++ {
		row := src.Pix[y*src.W : (y+1)*src.W]
		for x := 0; x < src.W; x++ {
			var sum float64
			for j := -k.radius; j <= k.radius; j++ {
				sum += k.weights[j+k.radius] * float64(row[border.ExtendIndex(x+j, src.W)])
			}
			out.Pix[y*src.W+x] = float32(sum)
		}
	}
	return out
}

// convolveY correlates each column with k.
func convolveY(src *raster.Raster, k *kernel, border raster.Border) *raster.Raster {
	out := raster.New(src.W, src.H)
	for x := 0; x < src.W; x++ {
		for y := 0; y < src.H; y++ {
			var sum float64
			for j := -k.radius; j <= k.radius; j++ {
				sum += k.weights[j+k.radius] * float64(src.Pix[border.ExtendIndex(y+j, src.H)*src.W+x])
			}
			out.Pix[y*src.W+x] = float32(sum)
		}
	}
	return out
}

// convolveXY applies kx along rows and then ky along columns.
func convolveXY(src *raster.Raster, kx, ky *kernel, border raster.Border) *raster.Raster {
	return convolveY(convolveX(src, kx, border), ky, border)
}

// collapseZ correlates the plane list with k at plane index ind,
// producing a single plane. Out-of-range plane indices follow the same
// border policy as the in-plane filters.
func collapseZ(planes []*raster.Raster, ind int, k *kernel, border raster.Border) *raster.Raster {
	w, h := planes[0].W, planes[0].H
	acc := make([]float64, w*h)
	for j := -k.radius; j <= k.radius; j++ {
		p := planes[border.ExtendIndex(ind+j, len(planes))]
		weight := k.weights[j+k.radius]
		for i, v := range p.Pix {
			acc[i] += weight * float64(v)
		}
	}
	out := raster.New(w, h)
	for i, v := range acc {
		out.Pix[i] = float32(v)
	}
	return out
}
