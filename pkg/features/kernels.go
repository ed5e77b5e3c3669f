package features

import "math"

// kernel holds the sampled weights of a 1D Gaussian derivative filter.
// weights[radius] is the center tap.
type kernel struct {
	weights []float64
	radius  int
}

// newKernel samples a Gaussian of the given sigma, or its first or
// second derivative, out to four sigmas on each side. The weights are
// normalized so that a smoothing kernel sums to one, a first-derivative
// kernel responds to a unit ramp with exactly one, and a
// second-derivative kernel responds to x squared over two with exactly
// one while ignoring constants.
//
// A sigma near zero degenerates to the identity or the central finite
// difference of the requested order.
func newKernel(sigma float64, order int) *kernel {
	if sigma < 1e-6 {
		switch order {
		case 1:
			return &kernel{weights: []float64{-0.5, 0, 0.5}, radius: 1}
		case 2:
			return &kernel{weights: []float64{1, -2, 1}, radius: 1}
		default:
			return &kernel{weights: []float64{1}, radius: 0}
		}
	}

	radius := int(math.Ceil(4 * sigma))
	if radius < 1 {
		radius = 1
	}
	weights := make([]float64, 2*radius+1)
	s2 := sigma * sigma
	for j := -radius; j <= radius; j++ {
		g := math.Exp(-float64(j*j) / (2 * s2))
		switch order {
		case 1:
			weights[j+radius] = float64(j) * g
		case 2:
			weights[j+radius] = (float64(j*j)/s2 - 1) * g
		default:
			weights[j+radius] = g
		}
	}

	switch order {
	case 1:
		// Antisymmetry already zeroes the DC response.
		var ramp float64
		for j := -radius; j <= radius; j++ {
			ramp += float64(j) * weights[j+radius]
		}
		scaleWeights(weights, 1/ramp)
	case 2:
		// Remove the residual DC term left by discrete sampling, then
		// fix the curvature response.
		var sum float64
		for _, w := range weights {
			sum += w
		}
		mean := sum / float64(len(weights))
		var curve float64
		for j := -radius; j <= radius; j++ {
			weights[j+radius] -= mean
			curve += float64(j*j) * weights[j+radius]
		}
		scaleWeights(weights, 2/curve)
	default:
		var sum float64
		for _, w := range weights {
			sum += w
		}
		scaleWeights(weights, 1/sum)
	}
	return &kernel{weights: weights, radius: radius}
}

func scaleWeights(weights []float64, s float64) {
	for i := range weights {
		weights[i] *= s
	}
}
