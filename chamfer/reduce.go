package chamfer

// PairwiseSum adds the values with a tree reduction: each step folds the
// upper half of the slice onto the lower half until one value remains.
// Rounding error grows with the tree depth instead of the element count,
// which keeps millions of small terms accurate. The slice is overwritten.
func PairwiseSum(v []float64) float64 {
	n := len(v)
	if n == 0 {
		return 0
	}
	for n > 1 {
		half := (n + 1) / 2
		for i := 0; i+half < n; i++ {
			v[i] += v[i+half]
		}
		n = half
	}
	return v[0]
}

// NaiveSum is the left-to-right running sum, the baseline the pairwise
// reduction is measured against.
func NaiveSum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}
