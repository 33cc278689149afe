package chamfer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewDistanceFieldValidation(t *testing.T) {
	// pixel 0 is the only edge point, pixel 1 has no correspondence
	pos := func(ids ...int32) *PositionMap {
		p := NewPositionMap(1, 2)
		copy(p.Index, ids)
		return p
	}

	tests := []struct {
		name      string
		dist      []float64
		pos       *PositionMap
		numPoints int
		wantErr   error
	}{
		{"valid", []float64{0, 1}, pos(0, -1), 1, nil},
		{"identity shared by both pixels", []float64{0, 1}, pos(0, 0), 1, nil},
		{"infinite distance", []float64{0, math.Inf(1)}, pos(0, -1), 1, ErrInvalidInput},
		{"NaN distance", []float64{0, math.NaN()}, pos(0, -1), 1, ErrInvalidInput},
		{"negative distance", []float64{0, -1}, pos(0, -1), 1, ErrInvalidInput},
		{"identity past the grid", []float64{0, 1}, pos(0, 2), 1, ErrInvalidInput},
		{"identity below sentinel", []float64{0, 1}, pos(0, -5), 1, ErrInvalidInput},
		{"more identities than points", []float64{0, 0}, pos(0, 1), 1, ErrInvalidInput},
		{"identities with no points", []float64{0, 1}, pos(0, -1), 0, ErrInvalidInput},
		{"negative count", []float64{0, 1}, pos(0, -1), -1, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewDistanceField(mat.NewDense(1, 2, tt.dist), tt.pos, tt.numPoints)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, f)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.numPoints, f.NumPoints)
		})
	}
}

func TestSetMapsRejectsUnusableField(t *testing.T) {
	dist := mat.NewDense(1, 2, []float64{0, math.Inf(1)})
	pos := NewPositionMap(1, 2)
	pos.Index[0] = 0

	ref := NewReferenceEvaluator()
	assert.ErrorIs(t, ref.SetMaps(dist, pos, 1), ErrInvalidInput)

	acc, d := newAccelerated(t, 1)
	assert.ErrorIs(t, acc.SetMaps(dist, pos, 1), ErrInvalidInput)
	assert.Equal(t, 0, d.LiveAllocations())

	// the reference evaluator must never see more correspondences than
	// edge points
	dist.Set(0, 1, 1)
	assert.ErrorIs(t, ref.SetMaps(dist, pos, 0), ErrInvalidInput)
	require.NoError(t, ref.SetMaps(dist, pos, 1))
}
