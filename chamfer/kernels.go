package chamfer

import "fmt"

const radixBits = 8

// memset writes v into every element of b, gutter included
func memset[T deviceScalar](b *DeviceBuffer[T], v T) error {
	data := b.data
	return b.dev.launch(len(data), func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			data[i] = v
		}
	})
}

// copyFrame copies occupancy rows from a mapped frame into dst, turning
// every occupied pixel into 1 and every other pixel into 0. The gutter is
// left untouched.
func copyFrame(dst *DeviceBuffer[float32], f *Frame, flip bool) error {
	if f.Rows != dst.rows || f.Cols != dst.cols {
		return fmt.Errorf("%w: frame is %dx%d, buffer is %dx%d", ErrDimensionMismatch, f.Rows, f.Cols, dst.rows, dst.cols)
	}
	return dst.dev.launch(dst.rows, func(_, lo, hi int) {
		for r := lo; r < hi; r++ {
			src := f.Row(r, flip)
			out := dst.Row(r)
			for c, v := range src {
				if Occupied(v) {
					out[c] = 1
				} else {
					out[c] = 0
				}
			}
		}
	})
}

// reduce sums v in place with the same folding order as PairwiseSum; each
// fold is spread across the lanes.
func reduce(d *Device, v []float64) (float64, error) {
	n := len(v)
	if n == 0 {
		return 0, nil
	}
	for n > 1 {
		half := (n + 1) / 2
		folds := n - half
		if err := d.launch(folds, func(_, lo, hi int) {
			for i := lo; i < hi; i++ {
				v[i] += v[i+half]
			}
		}); err != nil {
			return 0, err
		}
		n = half
	}
	return v[0], nil
}

// widen writes occ into out as float64
func widen(occ *DeviceBuffer[float32], out *DeviceBuffer[float64]) error {
	src, dst := occ.data, out.data
	return occ.dev.launch(len(src), func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = float64(src[i])
		}
	})
}

// mulReduce returns the sum of occ[i]*dist[i] (or occ[i]*dist[i]^2),
// using out as scratch
func mulReduce(occ *DeviceBuffer[float32], dist, out *DeviceBuffer[float64], squared bool) (float64, error) {
	o, d, s := occ.data, dist.data, out.data
	err := occ.dev.launch(len(s), func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			v := d[i]
			if squared {
				v *= v
			}
			s[i] = float64(o[i]) * v
		}
	})
	if err != nil {
		return 0, err
	}
	return reduce(occ.dev, s)
}

// maskPositions copies pos into dst, zeroing entries whose pixel is not
// occupied
func maskPositions(pos, dst *DeviceBuffer[uint32], occ *DeviceBuffer[float32]) error {
	p, d, o := pos.data, dst.data, occ.data
	return pos.dev.launch(len(d), func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			if o[i] != 0 {
				d[i] = p[i]
			} else {
				d[i] = 0
			}
		}
	})
}

// radixSort sorts keys ascending using tmp as the ping-pong buffer. Each
// 8-bit pass builds per-lane histograms in parallel, turns them into
// scatter offsets serially and scatters in parallel, which keeps every pass
// stable.
func radixSort(d *Device, keys, tmp []uint32) error {
	if len(tmp) < len(keys) {
		return fmt.Errorf("%w: sort scratch holds %d keys, need %d", ErrInvalidInput, len(tmp), len(keys))
	}
	n := len(keys)
	if n < 2 {
		return nil
	}
	parts := d.chunks(n)
	hist := make([][1 << radixBits]int, len(parts))

	src, dst := keys, tmp[:n]
	for shift := 0; shift < 32; shift += radixBits {
		for i := range hist {
			hist[i] = [1 << radixBits]int{}
		}
		if err := d.launch(n, func(chunk, lo, hi int) {
			h := &hist[chunk]
			for _, k := range src[lo:hi] {
				h[(k>>shift)&0xff]++
			}
		}); err != nil {
			return err
		}

		offset := 0
		for digit := range 1 << radixBits {
			for chunk := range hist {
				count := hist[chunk][digit]
				hist[chunk][digit] = offset
				offset += count
			}
		}

		if err := d.launch(n, func(chunk, lo, hi int) {
			next := &hist[chunk]
			for _, k := range src[lo:hi] {
				digit := (k >> shift) & 0xff
				dst[next[digit]] = k
				next[digit]++
			}
		}); err != nil {
			return err
		}
		src, dst = dst, src
	}
	// four passes leave the sorted keys back in keys
	return nil
}

// markChanges writes 1 into out[i] where sorted[i] differs from its
// predecessor and 0 elsewhere. The predecessor of the first element is 0,
// so runs of the zero key are never counted.
func markChanges(d *Device, sorted []uint32, out []float64) error {
	return d.launch(len(sorted), func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			var prev uint32
			if i > 0 {
				prev = sorted[i-1]
			}
			if sorted[i] != prev {
				out[i] = 1
			} else {
				out[i] = 0
			}
		}
	})
}
