package chamfer

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ReferenceEvaluator is the serial, precision-careful scorer. Its results
// are the gold standard the accelerated evaluator is checked against.
//
// Scratch storage is owned by the instance and reused across calls; an
// evaluator must not be shared between goroutines.
type ReferenceEvaluator struct {
	lastResult

	distance *mat.Dense
	position *PositionMap
	numEdges int

	scratch []float64
	// seen[id] == gen marks edge point id as matched in the current call
	seen []uint32
	gen  uint32
}

// NewReferenceEvaluator returns an evaluator with no maps bound
func NewReferenceEvaluator() *ReferenceEvaluator {
	return &ReferenceEvaluator{}
}

// SetMaps binds the maps by reference. The caller keeps ownership and must
// not mutate them while evaluations are running.
func (e *ReferenceEvaluator) SetMaps(distance *mat.Dense, position *PositionMap, numEdges int) error {
	if err := checkMaps(distance, position, numEdges); err != nil {
		return err
	}
	e.distance, e.position, e.numEdges = distance, position, numEdges
	if n := position.Rows * position.Cols; len(e.seen) != n {
		e.seen = make([]uint32, n)
		e.gen = 0
	}
	return nil
}

// SetField binds the maps of a distance field
func (e *ReferenceEvaluator) SetField(f *DistanceField) error {
	if f == nil {
		return fmt.Errorf("%w: nil distance field", ErrInvalidInput)
	}
	return e.SetMaps(f.Distance, f.Position, f.NumPoints)
}

// nextGeneration advances the presence stamp, clearing the set only when
// the counter wraps
func (e *ReferenceEvaluator) nextGeneration() uint32 {
	e.gen++
	if e.gen == 0 {
		clear(e.seen)
		e.gen = 1
	}
	return e.gen
}

// Evaluate scores one surface against the bound maps
func (e *ReferenceEvaluator) Evaluate(ctx context.Context, s Surface, opts EvalOptions) (Result, error) {
	e.reset()
	if e.distance == nil {
		return Result{}, fmt.Errorf("%w: maps not set", ErrPrecondition)
	}
	rows, cols := e.distance.Dims()
	if err := checkSurface(s, rows, cols); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	gen := e.nextGeneration()
	n := int32(rows * cols)
	e.scratch = e.scratch[:0]
	var model, corr int

	err := withFrame(s, func(f *Frame) error {
		if f.Rows != rows || f.Cols != cols {
			return fmt.Errorf("%w: mapped frame is %dx%d, maps are %dx%d",
				ErrDimensionMismatch, f.Rows, f.Cols, rows, cols)
		}
		for r := 0; r < rows; r++ {
			occ := f.Row(r, opts.FlipRows)
			dist := e.distance.RawRowView(r)
			pos := e.position.Index[r*cols : (r+1)*cols]
			for c, v := range occ {
				if !Occupied(v) {
					continue
				}
				d := dist[c]
				if opts.Squared {
					d *= d
				}
				e.scratch = append(e.scratch, d)
				model++

				id := pos[c]
				if id == NoCorrespondence {
					continue
				}
				if id < 0 || id >= n {
					return fmt.Errorf("%w: position identity %d outside %dx%d grid", ErrInvalidInput, id, rows, cols)
				}
				if e.seen[id] != gen {
					e.seen[id] = gen
					corr++
				}
			}
			if r&63 == 63 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		ModelPoints:     model,
		DataPoints:      e.numEdges,
		Correspondences: corr,
		sum:             PairwiseSum(e.scratch),
		squared:         opts.Squared,
	}
	e.store(res)
	Logger().Debug("reference evaluation",
		"model", model, "data", e.numEdges, "corr", corr, "sum", res.sum, "squared", opts.Squared)
	return res, nil
}
