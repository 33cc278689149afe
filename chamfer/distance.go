package chamfer

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Method selects how BuildDistanceField finds nearest edge points
type Method int

const (
	// MethodChamfer is the two-pass propagating chamfer transform. Distances
	// are the Butt-Maragos approximation of Euclidean distance.
	MethodChamfer Method = iota

	// MethodExact scans a bounded window around every pixel and reports
	// exact Euclidean distances. Slower; useful as a cross-check.
	MethodExact
)

// String returns the config spelling of the method
func (m Method) String() string {
	switch m {
	case MethodChamfer:
		return "chamfer"
	case MethodExact:
		return "exact"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod converts a config string into a Method. Empty means chamfer.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "chamfer":
		return MethodChamfer, nil
	case "exact":
		return MethodExact, nil
	default:
		return 0, fmt.Errorf("%w: unknown transform method %q", ErrInvalidInput, s)
	}
}

// TransformOptions controls BuildDistanceField
type TransformOptions struct {
	// MaskSize is the propagation neighborhood (3, 5 or 7). Larger masks
	// lower the approximation error of MethodChamfer at a higher cost.
	MaskSize int

	// Window bounds the search radius in pixels. A pixel whose nearest edge
	// point lies outside the Chebyshev box of that radius, or farther than
	// Window, gets NoCorrespondence and a distance of Window, so no distance
	// exceeds it. Zero leaves the search unbounded.
	Window int

	Method Method
}

// DefaultTransformOptions returns a 3x3 chamfer transform with no window
func DefaultTransformOptions() TransformOptions {
	return TransformOptions{MaskSize: 3, Method: MethodChamfer}
}

// maskCell is one weighted neighbor offset of a chamfer mask
type maskCell struct {
	dr, dc int
	w      float64
}

// chamferMask returns the forward (first pass) and backward (second pass)
// halves of the mask. Weights are the Butt-Maragos '98 constants; a negative
// weight marks a cell the mask ignores.
func chamferMask(size int) (forward, backward []maskCell, err error) {
	var grid [][]float64
	switch size {
	case 3:
		a, b := 0.96194, 1.3604
		grid = [][]float64{
			{b, a, b},
			{a, 0, a},
			{b, a, b},
		}
	case 5:
		a, b, c := 0.9866, 1.4142, 2.2062
		grid = [][]float64{
			{-1, c, -1, c, -1},
			{c, b, a, b, c},
			{-1, a, 0, a, -1},
			{c, b, a, b, c},
			{-1, c, -1, c, -1},
		}
	case 7:
		a, b, c, d, e := 0.9935, 1.4142, 2.2361, 3.1419, 3.6056
		grid = [][]float64{
			{-1, e, d, -1, d, e, -1},
			{e, -1, c, -1, c, -1, e},
			{d, c, b, a, b, c, d},
			{-1, -1, a, 0, a, -1, -1},
			{d, c, b, a, b, c, d},
			{e, -1, c, -1, c, -1, e},
			{-1, e, d, -1, d, e, -1},
		}
	default:
		return nil, nil, fmt.Errorf("%w: mask size %d (valid sizes are 3, 5 or 7)", ErrInvalidInput, size)
	}

	mid := size / 2
	for i, row := range grid {
		for j, w := range row {
			if w <= 0 {
				continue
			}
			cell := maskCell{dr: i - mid, dc: j - mid, w: w}
			// top rows and the left half of the middle row run forward,
			// the rest runs backward
			if cell.dr < 0 || (cell.dr == 0 && cell.dc < 0) {
				forward = append(forward, cell)
			} else {
				backward = append(backward, cell)
			}
		}
	}
	return forward, backward, nil
}

// BuildDistanceField computes the Distance Map and Position Map of an edge
// point set over a rows x cols grid.
//
// Every edge pixel has distance zero and is its own nearest point. Among
// equally near edge points the one with the smallest row, then smallest
// column, wins, so both methods and every run agree on ties.
func BuildDistanceField(points []EdgePoint, rows, cols int, opts TransformOptions) (*DistanceField, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: empty edge point set", ErrInvalidInput)
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: grid must be non-empty, got %dx%d", ErrInvalidInput, rows, cols)
	}
	if opts.MaskSize == 0 {
		opts.MaskSize = 3
	}
	if opts.Window < 0 {
		return nil, fmt.Errorf("%w: negative window %d", ErrInvalidInput, opts.Window)
	}
	for _, p := range points {
		if p.Row < 0 || p.Row >= rows || p.Col < 0 || p.Col >= cols {
			return nil, fmt.Errorf("%w: edge point (%d, %d) outside %dx%d grid",
				ErrInvalidInput, p.Row, p.Col, rows, cols)
		}
	}

	dist := make([]float64, rows*cols)
	pos := NewPositionMap(rows, cols)

	var err error
	switch opts.Method {
	case MethodChamfer:
		err = chamferPropagate(points, rows, cols, opts.MaskSize, dist, pos.Index)
	case MethodExact:
		exactScan(points, rows, cols, opts.Window, dist, pos.Index)
	default:
		err = fmt.Errorf("%w: unknown transform method %d", ErrInvalidInput, int(opts.Method))
	}
	if err != nil {
		return nil, err
	}

	applyWindow(rows, cols, opts.Window, dist, pos.Index)

	Logger().Debug("distance field built",
		"rows", rows, "cols", cols, "points", len(points),
		"method", opts.Method.String(), "mask", opts.MaskSize, "window", opts.Window)

	return &DistanceField{
		Distance:  mat.NewDense(rows, cols, dist),
		Position:  pos,
		NumPoints: len(points),
	}, nil
}

// chamferPropagate runs the forward and backward raster passes.
func chamferPropagate(points []EdgePoint, rows, cols, maskSize int, dist []float64, pos []int32) error {
	forward, backward, err := chamferMask(maskSize)
	if err != nil {
		return err
	}

	for i := range dist {
		dist[i] = math.Inf(1)
	}
	for _, p := range points {
		i := p.Row*cols + p.Col
		dist[i] = 0
		pos[i] = int32(i)
	}

	relax := func(r, c int, cells []maskCell) {
		i := r*cols + c
		if dist[i] == 0 {
			return
		}
		for _, m := range cells {
			rr, cc := r+m.dr, c+m.dc
			if rr < 0 || rr >= rows || cc < 0 || cc >= cols {
				continue
			}
			ref := rr*cols + cc
			if pos[ref] == NoCorrespondence {
				continue
			}
			cand := dist[ref] + m.w
			if closer(cand, pos[ref], dist[i], pos[i]) {
				dist[i] = cand
				pos[i] = pos[ref]
			}
		}
	}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			relax(r, c, forward)
		}
	}
	for r := rows - 1; r >= 0; r-- {
		for c := cols - 1; c >= 0; c-- {
			relax(r, c, backward)
		}
	}
	return nil
}

// tieTolerance absorbs the rounding between equal-length mask paths whose
// weights were summed in a different order
const tieTolerance = 1e-9

// closer reports whether candidate distance d with identity id beats the
// current best. Distances within tieTolerance tie and the smaller identity
// wins.
func closer(d float64, id int32, best float64, bestID int32) bool {
	if d < best-tieTolerance {
		return true
	}
	return d <= best+tieTolerance && id < bestID
}

// exactScan finds the Euclidean-nearest edge point of every pixel. Candidates
// are visited in row-major order and only a strictly nearer one replaces the
// current best, which yields the smallest (row, col) among ties.
func exactScan(points []EdgePoint, rows, cols, window int, dist []float64, pos []int32) {
	radius := window
	if radius == 0 {
		radius = rows + cols
	}

	// unique edge identities in ascending order
	ids := make([]int32, 0, len(points))
	owner := make([]bool, rows*cols)
	for _, p := range points {
		i := p.Row*cols + p.Col
		if !owner[i] {
			owner[i] = true
			ids = append(ids, int32(i))
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	side := 2*radius + 1
	scanPoints := len(ids) < side*side

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			best, bestID := math.MaxInt, NoCorrespondence
			if scanPoints {
				for _, id := range ids {
					pr, pc := int(id)/cols, int(id)%cols
					dr, dc := pr-r, pc-c
					if abs(dr) > radius || abs(dc) > radius {
						continue
					}
					if d2 := dr*dr + dc*dc; d2 < best {
						best, bestID = d2, id
					}
				}
			} else {
				for rr := max(0, r-radius); rr <= min(rows-1, r+radius); rr++ {
					for cc := max(0, c-radius); cc <= min(cols-1, c+radius); cc++ {
						if !owner[rr*cols+cc] {
							continue
						}
						dr, dc := rr-r, cc-c
						if d2 := dr*dr + dc*dc; d2 < best {
							best, bestID = d2, int32(rr*cols+cc)
						}
					}
				}
			}
			i := r*cols + c
			pos[i] = bestID
			if bestID != NoCorrespondence {
				dist[i] = math.Sqrt(float64(best))
			}
		}
	}
}

// applyWindow replaces correspondences outside the search window, or farther
// than its radius, with the sentinel and the window radius as fallback
// distance. Unreached pixels get
// the same treatment with the grid diagonal when the search is unbounded.
func applyWindow(rows, cols, window int, dist []float64, pos []int32) {
	fallback := float64(window)
	if window == 0 {
		fallback = math.Hypot(float64(rows), float64(cols))
	}
	for i, id := range pos {
		if id == NoCorrespondence {
			dist[i] = fallback
			continue
		}
		if window == 0 {
			continue
		}
		r, c := i/cols, i%cols
		pr, pc := int(id)/cols, int(id)%cols
		if abs(pr-r) > window || abs(pc-c) > window || dist[i] > fallback {
			pos[i] = NoCorrespondence
			dist[i] = fallback
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
