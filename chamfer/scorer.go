package chamfer

import (
	"context"
	"fmt"
	"sync"
)

// Scorer runs the whole pipeline for a service: it keeps an aggregator in
// step with the fields of a FieldStore, renders hypotheses through a
// PolygonScene and records every result. Safe for concurrent use; calls
// are serialised.
type Scorer struct {
	mu      sync.Mutex
	store   *FieldStore
	scene   *PolygonScene
	agg     *Aggregator
	squared bool
	frameID string // frame of the fields held by agg
	dev     *Device
}

// NewScorer builds the evaluator selected by cfg.Evaluator.Backend and an
// aggregator reading fields from store
func NewScorer(cfg *Config, store *FieldStore) (*Scorer, error) {
	if cfg == nil || store == nil {
		return nil, fmt.Errorf("%w: scorer needs a config and a field store", ErrInvalidInput)
	}
	scene, err := NewPolygonScene(cfg.Grid.Rows, cfg.Grid.Cols, cfg.ViewTransforms(), cfg.SceneOptions())
	if err != nil {
		return nil, err
	}

	s := &Scorer{store: store, scene: scene, squared: cfg.Evaluator.Squared}
	var eval Likelihood
	switch cfg.Evaluator.Backend {
	case BackendReference:
		eval = NewReferenceEvaluator()
	case BackendAccelerated, "":
		s.dev = NewDevice(cfg.Evaluator.Lanes)
		acc, err := NewAcceleratedEvaluator(s.dev)
		if err != nil {
			s.dev.Close()
			return nil, err
		}
		scene.Bind(s.dev)
		eval = acc
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidInput, cfg.Evaluator.Backend)
	}

	s.agg, err = NewAggregator(eval, cfg.AggregatorOptions())
	if err != nil {
		s.closeEvaluator(eval)
		return nil, err
	}
	return s, nil
}

// Views returns the view indexes every score covers
func (s *Scorer) Views() []int {
	return s.agg.ViewList(s.scene.NumViews())
}

// sync reloads the aggregator when the store moved to a new frame
func (s *Scorer) sync() error {
	frame := s.store.FrameID()
	if frame != "" && frame == s.frameID {
		return nil
	}
	fields, frame, err := s.store.Fields(s.Views())
	if err != nil {
		return err
	}
	s.agg.Reset()
	s.frameID = ""
	for _, f := range fields {
		if err := s.agg.PushBack(f); err != nil {
			s.agg.Reset()
			return err
		}
	}
	s.frameID = frame
	Logger().Debug("scorer loaded frame", "frame", frame, "views", len(fields))
	return nil
}

func (s *Scorer) prepare(h *Hypothesis) error {
	if h == nil {
		return fmt.Errorf("%w: nil hypothesis", ErrInvalidInput)
	}
	if err := s.sync(); err != nil {
		return err
	}
	return s.scene.SetHypothesis(h.Shape)
}

// Score evaluates a hypothesis over the selected views and records the
// result in the store. squared overrides the configured mode when set.
func (s *Scorer) Score(ctx context.Context, h *Hypothesis, squared *bool) (ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.prepare(h); err != nil {
		return ScoreRecord{}, err
	}
	sq := s.squared
	if squared != nil {
		sq = *squared
	}
	s.agg.SetSquared(sq)

	res, err := s.agg.Evaluate(ctx, s.scene)
	if err != nil {
		return ScoreRecord{}, err
	}
	return s.store.RecordResult(ScoreRecord{HypothesisID: h.ID, FrameID: s.frameID, Result: res}), nil
}

// Parity scores a hypothesis with both the configured evaluator and the
// reference evaluator
func (s *Scorer) Parity(ctx context.Context, h *Hypothesis) (fast, gold Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.prepare(h); err != nil {
		return Result{}, Result{}, err
	}
	s.agg.SetSquared(s.squared)
	if fast, err = s.agg.Evaluate(ctx, s.scene); err != nil {
		return Result{}, Result{}, err
	}
	if gold, err = s.agg.GoldStandardEvaluate(ctx, s.scene); err != nil {
		return Result{}, Result{}, err
	}
	return fast, gold, nil
}

// WithView renders the last scored hypothesis in one view and passes the
// view's field and the mapped frame to fn. frame is nil when nothing has
// been scored yet.
func (s *Scorer) WithView(view int, fn func(field *DistanceField, frame *Frame) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.store.ViewIDs()
	if view < 0 || view >= len(ids) {
		return fmt.Errorf("%w: view %d of %d", ErrInvalidInput, view, len(ids))
	}
	vs := s.store.View(ids[view])
	if vs == nil {
		return fmt.Errorf("%w: no edges received for view %s", ErrPrecondition, ids[view])
	}
	if s.scene.Hypothesis() == nil {
		return fn(vs.Field, nil)
	}
	if err := s.scene.SetActiveView(view); err != nil {
		return err
	}
	return withFrame(s.scene, func(f *Frame) error {
		return fn(vs.Field, f)
	})
}

func (s *Scorer) closeEvaluator(eval Likelihood) {
	if c, ok := eval.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if s.dev != nil {
		s.dev.Close()
	}
}

// Close releases the aggregator, the evaluator and the device
func (s *Scorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.agg.Close()
	s.closeEvaluator(s.agg.Evaluator())
	return err
}
