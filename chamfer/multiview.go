package chamfer

import (
	"context"
	"fmt"
)

// MultiViewRenderer is a Surface that can render the current hypothesis
// from several camera views, one at a time.
type MultiViewRenderer interface {
	Surface
	NumViews() int
	SetActiveView(view int) error
}

// AggregatorOptions configures an Aggregator
type AggregatorOptions struct {
	// Stride selects every Stride-th view when Views is empty. Zero means 1.
	Stride int
	// Views lists the views to score explicitly, in order
	Views []int
	// Squared sums squared distances in every view
	Squared bool
	// FlipRows reads occupancy bottom-up in every view
	FlipRows bool
}

// view is one stored triple, with the device copy when the evaluator
// supports uploads
type view struct {
	field  *DistanceField
	device *DeviceField
}

// Aggregator scores a hypothesis across several views and adds the
// per-view results. It owns the device copies of the fields pushed into it.
type Aggregator struct {
	eval  Likelihood
	gold  *ReferenceEvaluator
	opts  AggregatorOptions
	views []view

	// ownsEval is set when the aggregator created eval itself
	ownsEval bool
	dev      *Device
}

// NewAggregator creates an aggregator. A nil eval makes the aggregator run
// its own accelerated evaluator on a new device.
func NewAggregator(eval Likelihood, opts AggregatorOptions) (*Aggregator, error) {
	if opts.Stride < 0 {
		return nil, fmt.Errorf("%w: negative stride %d", ErrInvalidInput, opts.Stride)
	}
	if opts.Stride == 0 {
		opts.Stride = 1
	}
	for _, v := range opts.Views {
		if v < 0 {
			return nil, fmt.Errorf("%w: negative view index %d", ErrInvalidInput, v)
		}
	}
	a := &Aggregator{eval: eval, opts: opts, gold: NewReferenceEvaluator()}
	if eval == nil {
		a.dev = NewDevice(0)
		acc, err := NewAcceleratedEvaluator(a.dev)
		if err != nil {
			a.dev.Close()
			return nil, err
		}
		a.eval, a.ownsEval = acc, true
	}
	return a, nil
}

// Evaluator returns the wrapped evaluator
func (a *Aggregator) Evaluator() Likelihood { return a.eval }

// SetSquared switches between plain and squared sums for later calls
func (a *Aggregator) SetSquared(squared bool) { a.opts.Squared = squared }

// Len returns the number of stored triples
func (a *Aggregator) Len() int { return len(a.views) }

// PushBack appends the maps of the next selected view. Triples are matched
// to selected views by position.
func (a *Aggregator) PushBack(f *DistanceField) error {
	if f == nil {
		return fmt.Errorf("%w: nil distance field", ErrInvalidInput)
	}
	if err := checkMaps(f.Distance, f.Position, f.NumPoints); err != nil {
		return err
	}
	v := view{field: f}
	if up, ok := a.eval.(FieldUploader); ok {
		df, err := up.UploadField(f)
		if err != nil {
			return fmt.Errorf("uploading view %d: %w", len(a.views), err)
		}
		v.device = df
	}
	a.views = append(a.views, v)
	return nil
}

// Reset frees every stored triple
func (a *Aggregator) Reset() {
	for _, v := range a.views {
		v.device.Free()
	}
	a.views = nil
}

// ViewList returns the views scored for a renderer with numViews views
func (a *Aggregator) ViewList(numViews int) []int {
	if len(a.opts.Views) > 0 {
		return append([]int(nil), a.opts.Views...)
	}
	var out []int
	for i := 0; i < numViews; i += a.opts.Stride {
		out = append(out, i)
	}
	return out
}

// Evaluate scores the renderer's hypothesis in every selected view with the
// wrapped evaluator
func (a *Aggregator) Evaluate(ctx context.Context, r MultiViewRenderer) (Result, error) {
	return a.run(ctx, r, func(v view) (Likelihood, error) {
		if v.device != nil {
			if up, ok := a.eval.(FieldUploader); ok {
				return a.eval, up.SetDeviceField(v.device)
			}
		}
		return a.eval, a.eval.SetMaps(v.field.Distance, v.field.Position, v.field.NumPoints)
	})
}

// GoldStandardEvaluate runs the same aggregation through a reference
// evaluator, for validating the accelerated path
func (a *Aggregator) GoldStandardEvaluate(ctx context.Context, r MultiViewRenderer) (Result, error) {
	return a.run(ctx, r, func(v view) (Likelihood, error) {
		return a.gold, a.gold.SetField(v.field)
	})
}

func (a *Aggregator) run(ctx context.Context, r MultiViewRenderer, bind func(view) (Likelihood, error)) (Result, error) {
	if r == nil {
		return Result{}, fmt.Errorf("%w: nil renderer", ErrInvalidInput)
	}
	list := a.ViewList(r.NumViews())
	if len(list) != len(a.views) {
		return Result{}, fmt.Errorf("%w: %d stored views, %d selected", ErrPrecondition, len(a.views), len(list))
	}

	total := Result{squared: a.opts.Squared}
	eo := EvalOptions{Squared: a.opts.Squared, FlipRows: a.opts.FlipRows}
	for i, idx := range list {
		if idx >= r.NumViews() {
			return Result{}, fmt.Errorf("%w: view %d of %d", ErrInvalidInput, idx, r.NumViews())
		}
		if err := r.SetActiveView(idx); err != nil {
			return Result{}, fmt.Errorf("activating view %d: %w", idx, err)
		}
		eval, err := bind(a.views[i])
		if err != nil {
			return Result{}, fmt.Errorf("binding view %d: %w", idx, err)
		}
		res, err := eval.Evaluate(ctx, r, eo)
		if err != nil {
			return Result{}, fmt.Errorf("view %d: %w", idx, err)
		}
		if total, err = total.Add(res); err != nil {
			return Result{}, err
		}
	}
	Logger().Debug("multi-view evaluation", "views", len(list), "model", total.ModelPoints, "sum", total.sum)
	return total, nil
}

// Close frees the stored device copies and, when the aggregator created
// them, its evaluator and device
func (a *Aggregator) Close() error {
	a.Reset()
	if a.ownsEval {
		if c, ok := a.eval.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				return err
			}
		}
		a.dev.Close()
	}
	return nil
}
