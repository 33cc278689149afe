package chamfer

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// viewStack is a MultiViewRenderer backed by one Occupancy per view
type viewStack struct {
	views  []*Occupancy
	active int
	seen   []int
}

func (v *viewStack) NumViews() int { return len(v.views) }

func (v *viewStack) SetActiveView(i int) error {
	v.active = i
	v.seen = append(v.seen, i)
	return nil
}

func (v *viewStack) Dims() (int, int)         { return v.views[v.active].Dims() }
func (v *viewStack) Acquire() (*Frame, error) { return v.views[v.active].Acquire() }
func (v *viewStack) Release(f *Frame) error   { return v.views[v.active].Release(f) }
func (v *viewStack) BoundDevice() *Device     { return nil }

// singlePixelStack builds n 1x2 views with the left pixel occupied
func singlePixelStack(n int) *viewStack {
	s := &viewStack{}
	for range n {
		o := NewOccupancy(1, 2)
		o.Set(0, 0, 1)
		s.views = append(s.views, o)
	}
	return s
}

// constField is a 1x2 field whose distance is value everywhere
func constField(t *testing.T, value float64) *DistanceField {
	t.Helper()
	pos := NewPositionMap(1, 2)
	pos.Index[0], pos.Index[1] = 1, 1
	f, err := NewDistanceField(mat.NewDense(1, 2, []float64{value, value}), pos, 1)
	require.NoError(t, err)
	return f
}

func TestAggregatorSumsViews(t *testing.T) {
	tests := []struct {
		name    string
		opts    AggregatorOptions
		fields  []float64
		want    float64
		visited []int
	}{
		{"stride 1", AggregatorOptions{Stride: 1}, []float64{1, 2, 3}, 6, []int{0, 1, 2}},
		{"stride 2", AggregatorOptions{Stride: 2}, []float64{1, 3}, 4, []int{0, 2}},
		{"default stride", AggregatorOptions{}, []float64{1, 2, 3}, 6, []int{0, 1, 2}},
		{"explicit list", AggregatorOptions{Views: []int{2, 0}}, []float64{3, 1}, 4, []int{2, 0}},
		{"squared", AggregatorOptions{Squared: true}, []float64{1, 2, 3}, 14, []int{0, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAggregator(nil, tt.opts)
			require.NoError(t, err)
			defer a.Close()

			for _, v := range tt.fields {
				require.NoError(t, a.PushBack(constField(t, v)))
			}

			r := singlePixelStack(3)
			res, err := a.Evaluate(context.Background(), r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Value())
			assert.Equal(t, tt.opts.Squared, res.Squared())
			assert.Equal(t, len(tt.fields), res.ModelPoints)
			assert.Equal(t, len(tt.fields), res.Correspondences)
			assert.Equal(t, len(tt.fields), res.DataPoints)
			if diff := cmp.Diff(tt.visited, r.seen); diff != "" {
				t.Errorf("visited views mismatch (-want +got):\n%s", diff)
			}

			gold, err := a.GoldStandardEvaluate(context.Background(), r)
			require.NoError(t, err)
			assert.Equal(t, res, gold)
		})
	}
}

func TestAggregatorViewList(t *testing.T) {
	a, err := NewAggregator(NewReferenceEvaluator(), AggregatorOptions{Stride: 3})
	require.NoError(t, err)
	if diff := cmp.Diff([]int{0, 3, 6}, a.ViewList(8)); diff != "" {
		t.Errorf("ViewList (-want +got):\n%s", diff)
	}
	assert.Empty(t, a.ViewList(0))

	b, err := NewAggregator(NewReferenceEvaluator(), AggregatorOptions{Views: []int{4, 1}})
	require.NoError(t, err)
	if diff := cmp.Diff([]int{4, 1}, b.ViewList(8)); diff != "" {
		t.Errorf("ViewList (-want +got):\n%s", diff)
	}
}

func TestAggregatorPrecondition(t *testing.T) {
	a, err := NewAggregator(NewReferenceEvaluator(), AggregatorOptions{Stride: 1})
	require.NoError(t, err)
	require.NoError(t, a.PushBack(constField(t, 1)))

	_, err = a.Evaluate(context.Background(), singlePixelStack(3))
	assert.ErrorIs(t, err, ErrPrecondition)
	_, err = a.GoldStandardEvaluate(context.Background(), singlePixelStack(3))
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestAggregatorInvalidOptions(t *testing.T) {
	_, err := NewAggregator(nil, AggregatorOptions{Stride: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewAggregator(nil, AggregatorOptions{Views: []int{-2}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	a, err := NewAggregator(NewReferenceEvaluator(), AggregatorOptions{Views: []int{5}})
	require.NoError(t, err)
	require.NoError(t, a.PushBack(constField(t, 1)))
	_, err = a.Evaluate(context.Background(), singlePixelStack(2))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAggregatorReferenceEvaluator(t *testing.T) {
	a, err := NewAggregator(NewReferenceEvaluator(), AggregatorOptions{})
	require.NoError(t, err)
	for _, v := range []float64{1, 2} {
		require.NoError(t, a.PushBack(constField(t, v)))
	}
	res, err := a.Evaluate(context.Background(), singlePixelStack(2))
	require.NoError(t, err)
	sum, err := res.Sum()
	require.NoError(t, err)
	assert.Equal(t, 3.0, sum)
}

func TestAggregatorOwnsDeviceCopies(t *testing.T) {
	d := NewDevice(2)
	defer d.Close()
	acc, err := NewAcceleratedEvaluator(d)
	require.NoError(t, err)

	a, err := NewAggregator(acc, AggregatorOptions{})
	require.NoError(t, err)
	require.NoError(t, a.PushBack(constField(t, 1)))
	require.NoError(t, a.PushBack(constField(t, 2)))
	assert.Equal(t, 4, d.LiveAllocations())

	_, err = a.Evaluate(context.Background(), singlePixelStack(2))
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, acc.Close())
	assert.Equal(t, 0, d.LiveAllocations())
	assert.False(t, d.Closed(), "injected evaluator's device stays open")
}

func TestAggregatorClosesOwnDevice(t *testing.T) {
	a, err := NewAggregator(nil, AggregatorOptions{})
	require.NoError(t, err)
	require.NoError(t, a.PushBack(constField(t, 1)))
	require.NoError(t, a.Close())
	assert.True(t, a.dev.Closed())
	assert.Equal(t, 0, a.dev.LiveAllocations())
}
