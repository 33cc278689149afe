package chamfer

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomPoints draws n edge points on a rows x cols grid, duplicates allowed
func randomPoints(rng *rand.Rand, n, rows, cols int) []EdgePoint {
	pts := make([]EdgePoint, n)
	for i := range pts {
		pts[i] = EdgePoint{Row: rng.Intn(rows), Col: rng.Intn(cols)}
	}
	return pts
}

func TestBuildDistanceFieldSinglePoint(t *testing.T) {
	f, err := BuildDistanceField([]EdgePoint{{Row: 2, Col: 2}}, 5, 5, DefaultTransformOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, f.NumPoints)
	assert.Equal(t, 0.0, f.Distance.At(2, 2))
	assert.InDelta(t, 0.96194, f.Distance.At(2, 3), 1e-12)
	assert.InDelta(t, 0.96194, f.Distance.At(1, 2), 1e-12)
	assert.InDelta(t, 1.3604, f.Distance.At(1, 1), 1e-12)
	assert.InDelta(t, 2*1.3604, f.Distance.At(0, 0), 1e-12)

	for i, id := range f.Position.Index {
		assert.Equal(t, int32(12), id, "pixel %d", i)
	}
}

func TestBuildDistanceFieldTieBreak(t *testing.T) {
	tests := []struct {
		name       string
		points     []EdgePoint
		rows, cols int
		r, c       int
		want       int32
	}{
		{"horizontal tie picks smaller col", []EdgePoint{{0, 2}, {0, 0}}, 1, 3, 0, 1, 0},
		{"vertical tie picks smaller row", []EdgePoint{{2, 0}, {0, 0}}, 3, 1, 1, 0, 0},
		{"diagonal tie picks smaller row", []EdgePoint{{2, 2}, {0, 0}}, 3, 3, 1, 1, 0},
		{"mixed tie picks smaller row", []EdgePoint{{1, 0}, {0, 1}}, 2, 2, 1, 1, 1},
	}
	for _, method := range []Method{MethodChamfer, MethodExact} {
		for _, tt := range tests {
			t.Run(method.String()+"/"+tt.name, func(t *testing.T) {
				f, err := BuildDistanceField(tt.points, tt.rows, tt.cols, TransformOptions{MaskSize: 3, Method: method})
				require.NoError(t, err)
				assert.Equal(t, tt.want, f.Position.At(tt.r, tt.c))
			})
		}
	}
}

func TestBuildDistanceFieldInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const rows, cols = 23, 31

	for _, opts := range []TransformOptions{
		{MaskSize: 3},
		{MaskSize: 5},
		{MaskSize: 7},
		{MaskSize: 3, Method: MethodExact},
	} {
		t.Run(opts.Method.String(), func(t *testing.T) {
			pts := randomPoints(rng, 15, rows, cols)
			f, err := BuildDistanceField(pts, rows, cols, opts)
			require.NoError(t, err)

			edge := make(map[int32]bool)
			for _, p := range pts {
				edge[int32(p.Row*cols+p.Col)] = true
			}

			for r := 0; r < rows; r++ {
				for c := 0; c < cols; c++ {
					d := f.Distance.At(r, c)
					id := f.Position.At(r, c)
					assert.GreaterOrEqual(t, d, 0.0)
					require.NotEqual(t, NoCorrespondence, id)
					assert.True(t, edge[id], "position (%d,%d) names a non-edge pixel", r, c)

					self := int32(r*cols + c)
					if edge[self] {
						assert.Equal(t, 0.0, d)
						assert.Equal(t, self, id)
					}
					if opts.Method == MethodExact {
						p, _ := f.Position.Point(id)
						assert.InDelta(t, math.Hypot(float64(p.Row-r), float64(p.Col-c)), d, 1e-12)
					}
				}
			}
		})
	}
}

func TestChamferApproximatesExact(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const rows, cols = 40, 40
	pts := randomPoints(rng, 12, rows, cols)

	exact, err := BuildDistanceField(pts, rows, cols, TransformOptions{Method: MethodExact})
	require.NoError(t, err)

	for _, size := range []int{3, 5, 7} {
		approx, err := BuildDistanceField(pts, rows, cols, TransformOptions{MaskSize: size})
		require.NoError(t, err)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				e := exact.Distance.At(r, c)
				assert.InDelta(t, e, approx.Distance.At(r, c), 0.1*e+1e-9, "mask %d at (%d,%d)", size, r, c)
			}
		}
	}
}

func TestBuildDistanceFieldWindow(t *testing.T) {
	for _, method := range []Method{MethodChamfer, MethodExact} {
		t.Run(method.String(), func(t *testing.T) {
			f, err := BuildDistanceField([]EdgePoint{{0, 0}}, 1, 10, TransformOptions{Window: 3, Method: method})
			require.NoError(t, err)

			assert.Equal(t, int32(0), f.Position.At(0, 3))
			for c := 4; c < 10; c++ {
				assert.Equal(t, NoCorrespondence, f.Position.At(0, c))
				assert.Equal(t, 3.0, f.Distance.At(0, c))
			}
		})
	}
}

func TestBuildDistanceFieldWindowMonotonic(t *testing.T) {
	const window = 3
	for _, opts := range []TransformOptions{
		{MaskSize: 3, Window: window},
		{MaskSize: 5, Window: window},
		{Window: window, Method: MethodExact},
	} {
		t.Run(fmt.Sprintf("%s/%d", opts.Method, opts.MaskSize), func(t *testing.T) {
			f, err := BuildDistanceField([]EdgePoint{{0, 0}}, 10, 10, opts)
			require.NoError(t, err)

			// moving away from the only edge point never lowers the distance
			for r := 0; r < 10; r++ {
				for c := 0; c < 10; c++ {
					d := f.Distance.At(r, c)
					assert.LessOrEqual(t, d, float64(window), "(%d, %d)", r, c)
					if r+1 < 10 {
						assert.LessOrEqual(t, d, f.Distance.At(r+1, c), "(%d, %d) down", r, c)
					}
					if c+1 < 10 {
						assert.LessOrEqual(t, d, f.Distance.At(r, c+1), "(%d, %d) right", r, c)
					}
				}
			}

			assert.Equal(t, int32(0), f.Position.At(2, 2))
			assert.Equal(t, NoCorrespondence, f.Position.At(3, 3))
			assert.Equal(t, float64(window), f.Distance.At(3, 3))
			assert.Equal(t, float64(window), f.Distance.At(4, 4))
		})
	}
}

func TestBuildDistanceFieldDuplicatePoints(t *testing.T) {
	pts := []EdgePoint{{1, 1}, {1, 1}, {1, 1}}
	f, err := BuildDistanceField(pts, 3, 3, DefaultTransformOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, f.NumPoints)
	assert.Equal(t, int32(4), f.Position.At(0, 0))
}

func TestBuildDistanceFieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		points []EdgePoint
		rows   int
		cols   int
		opts   TransformOptions
	}{
		{"empty point set", nil, 4, 4, DefaultTransformOptions()},
		{"zero rows", []EdgePoint{{0, 0}}, 0, 4, DefaultTransformOptions()},
		{"point outside grid", []EdgePoint{{4, 0}}, 4, 4, DefaultTransformOptions()},
		{"negative point", []EdgePoint{{0, -1}}, 4, 4, DefaultTransformOptions()},
		{"even mask", []EdgePoint{{0, 0}}, 4, 4, TransformOptions{MaskSize: 4}},
		{"negative window", []EdgePoint{{0, 0}}, 4, 4, TransformOptions{MaskSize: 3, Window: -1}},
		{"unknown method", []EdgePoint{{0, 0}}, 4, 4, TransformOptions{MaskSize: 3, Method: Method(9)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildDistanceField(tt.points, tt.rows, tt.cols, tt.opts)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	assert.NoError(t, err)
	assert.Equal(t, MethodChamfer, m)

	m, err = ParseMethod("exact")
	assert.NoError(t, err)
	assert.Equal(t, MethodExact, m)

	_, err = ParseMethod("manhattan")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCloserTieBreak(t *testing.T) {
	a, b := 0.96194, 1.3604
	// the same two weights summed in either order
	ab, ba := (a+b)+a, (b+a)+a
	up := math.Nextafter(ab, math.Inf(1))

	tests := []struct {
		name   string
		d      float64
		id     int32
		best   float64
		bestID int32
		want   bool
	}{
		{"strictly nearer", 1, 9, 2, 3, true},
		{"strictly farther", 2, 1, 1, 3, false},
		{"reordered sum, smaller id", ab, 1, ba, 3, true},
		{"reordered sum, larger id", ab, 5, ba, 3, false},
		{"one ulp above, smaller id", up, 1, ab, 3, true},
		{"one ulp below, larger id", ab, 5, up, 3, false},
		{"unreached pixel", 4, 7, math.Inf(1), NoCorrespondence, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, closer(tt.d, tt.id, tt.best, tt.bestID))
		})
	}
}
