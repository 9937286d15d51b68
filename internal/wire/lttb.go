package wire

import "math"

// LTTBIndices returns the indices of the points kept by
// Largest-Triangle-Three-Buckets reduction of (xs, ys) to n points.
//
// The first and last points are always kept. Each interior bucket keeps the
// point forming the largest triangle with the previously kept point and the
// mean of the next bucket. NaN values are never chosen over a finite value
// and do not contribute to bucket means. A budget n <= 0 or n >= len(ys)
// keeps every point.
func LTTBIndices(xs, ys []float64, n int) []int {
	size := len(ys)
	if len(xs) < size {
		size = len(xs)
	}
	if n <= 0 || n >= size {
		idx := make([]int, size)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if n == 1 {
		return []int{0}
	}
	if n == 2 {
		return []int{0, size - 1}
	}

	idx := make([]int, 0, n)
	idx = append(idx, 0)

	every := float64(size-2) / float64(n-2)
	a := 0

	for i := 0; i < n-2; i++ {
		// Mean of the next bucket
		avgStart := int(math.Floor(float64(i+1)*every)) + 1
		avgEnd := int(math.Floor(float64(i+2)*every)) + 1
		if avgEnd > size {
			avgEnd = size
		}
		avgX, avgY := mean(xs, ys, avgStart, avgEnd)

		// Candidates in the current bucket
		lo := int(math.Floor(float64(i)*every)) + 1
		hi := int(math.Floor(float64(i+1)*every)) + 1
		if hi > size-1 {
			hi = size - 1
		}

		ax, ay := xs[a], finite(ys[a])
		best, bestArea := lo, -1.0
		for j := lo; j < hi; j++ {
			if math.IsNaN(ys[j]) {
				continue
			}
			area := math.Abs((ax-avgX)*(ys[j]-ay) - (ax-xs[j])*(avgY-ay))
			if area > bestArea {
				bestArea = area
				best = j
			}
		}

		idx = append(idx, best)
		a = best
	}

	return append(idx, size-1)
}

// LTTB reduces (xs, ys) to n points. See LTTBIndices.
func LTTB(xs, ys []float64, n int) ([]float64, []float64) {
	idx := LTTBIndices(xs, ys, n)
	outX := make([]float64, len(idx))
	outY := make([]float64, len(idx))
	for k, i := range idx {
		outX[k] = xs[i]
		outY[k] = ys[i]
	}
	return outX, outY
}

// mean averages the finite points in [from, to). Returns the x mean and a
// y mean of 0 when the range holds no finite values.
func mean(xs, ys []float64, from, to int) (float64, float64) {
	if from >= to {
		return xs[len(xs)-1], finite(ys[len(ys)-1])
	}
	var sx, sy float64
	var nx, ny int
	for j := from; j < to; j++ {
		sx += xs[j]
		nx++
		if !math.IsNaN(ys[j]) {
			sy += ys[j]
			ny++
		}
	}
	if ny == 0 {
		return sx / float64(nx), 0
	}
	return sx / float64(nx), sy / float64(ny)
}

func finite(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
