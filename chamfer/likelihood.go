package chamfer

import (
	"context"
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// EvalOptions controls one evaluation
type EvalOptions struct {
	// Squared sums squared distances instead of plain distances
	Squared bool

	// FlipRows reads occupancy rows bottom-up, for renderers whose first
	// row is the bottom of the image
	FlipRows bool
}

// Result is the outcome of one evaluation, or of several added together.
//
// The sum is stored together with the mode it was computed in; reading it
// through the accessor of the other mode fails with ErrModeMismatch.
type Result struct {
	// ModelPoints counts occupied pixels
	ModelPoints int
	// DataPoints is the number of edge points behind the bound maps
	DataPoints int
	// Correspondences counts distinct edge points matched by at least one
	// occupied pixel
	Correspondences int

	sum     float64
	squared bool
}

// NewResult builds a result by hand, for evaluators implemented outside
// this package and for tests
func NewResult(sum float64, squared bool, model, data, corr int) Result {
	return Result{ModelPoints: model, DataPoints: data, Correspondences: corr, sum: sum, squared: squared}
}

// Squared reports the mode the sum was computed in
func (r Result) Squared() bool { return r.squared }

// Sum returns the sum of distances
func (r Result) Sum() (float64, error) {
	if r.squared {
		return 0, fmt.Errorf("%w: result holds a squared sum", ErrModeMismatch)
	}
	return r.sum, nil
}

// SquaredSum returns the sum of squared distances
func (r Result) SquaredSum() (float64, error) {
	if !r.squared {
		return 0, fmt.Errorf("%w: result holds a plain sum", ErrModeMismatch)
	}
	return r.sum, nil
}

// Value returns the sum regardless of mode
func (r Result) Value() float64 { return r.sum }

// Add combines two results of the same mode field by field
func (r Result) Add(o Result) (Result, error) {
	if r.squared != o.squared {
		return Result{}, fmt.Errorf("%w: cannot add squared and plain sums", ErrModeMismatch)
	}
	return Result{
		ModelPoints:     r.ModelPoints + o.ModelPoints,
		DataPoints:      r.DataPoints + o.DataPoints,
		Correspondences: r.Correspondences + o.Correspondences,
		sum:             r.sum + o.sum,
		squared:         r.squared,
	}, nil
}

// resultJSON is the wire form of a Result
type resultJSON struct {
	Sum             *float64 `json:"sum,omitempty"`
	SquaredSum      *float64 `json:"squaredSum,omitempty"`
	ModelPoints     int      `json:"modelPoints"`
	DataPoints      int      `json:"dataPoints"`
	Correspondences int      `json:"correspondences"`
}

// MarshalJSON emits the sum under "sum" or "squaredSum" depending on mode
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{ModelPoints: r.ModelPoints, DataPoints: r.DataPoints, Correspondences: r.Correspondences}
	s := r.sum
	if r.squared {
		out.SquaredSum = &s
	} else {
		out.Sum = &s
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Result{ModelPoints: in.ModelPoints, DataPoints: in.DataPoints, Correspondences: in.Correspondences}
	switch {
	case in.SquaredSum != nil:
		r.sum, r.squared = *in.SquaredSum, true
	case in.Sum != nil:
		r.sum = *in.Sum
	}
	return nil
}

// Likelihood scores occupancy surfaces against bound distance and position
// maps. Implementations are not safe for concurrent use; give each
// goroutine its own evaluator.
type Likelihood interface {
	SetMaps(distance *mat.Dense, position *PositionMap, numEdges int) error
	Evaluate(ctx context.Context, s Surface, opts EvalOptions) (Result, error)
}

// lastResult keeps the most recent successful result for the accessor
// methods shared by both evaluators
type lastResult struct {
	res Result
	ok  bool
}

func (l *lastResult) store(r Result) { l.res, l.ok = r, true }
func (l *lastResult) reset()         { l.res, l.ok = Result{}, false }

func (l *lastResult) get() (Result, error) {
	if !l.ok {
		return Result{}, fmt.Errorf("%w: no evaluation has completed", ErrPrecondition)
	}
	return l.res, nil
}

// Sum returns the plain sum of the most recent evaluation
func (l *lastResult) Sum() (float64, error) {
	r, err := l.get()
	if err != nil {
		return 0, err
	}
	return r.Sum()
}

// SquaredSum returns the squared sum of the most recent evaluation
func (l *lastResult) SquaredSum() (float64, error) {
	r, err := l.get()
	if err != nil {
		return 0, err
	}
	return r.SquaredSum()
}

// NumModelPoints returns the occupied pixel count of the most recent evaluation
func (l *lastResult) NumModelPoints() int { return l.res.ModelPoints }

// NumDataPoints returns the edge point count of the most recent evaluation
func (l *lastResult) NumDataPoints() int { return l.res.DataPoints }

// NumCorrespondences returns the correspondence count of the most recent evaluation
func (l *lastResult) NumCorrespondences() int { return l.res.Correspondences }

// checkSurface validates s against the bound grid size
func checkSurface(s Surface, rows, cols int) error {
	if s == nil {
		return fmt.Errorf("%w: nil surface", ErrInvalidInput)
	}
	sr, sc := s.Dims()
	if sr != rows || sc != cols {
		return fmt.Errorf("%w: surface is %dx%d, maps are %dx%d", ErrDimensionMismatch, sr, sc, rows, cols)
	}
	return nil
}
