package chamfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxResultHistory bounds the number of results kept for the HTTP endpoints
const maxResultHistory = 64

// ViewState is the latest edge map of one view and the field built from it
type ViewState struct {
	ViewID      string
	Edges       *EdgeSet
	Field       *DistanceField
	Fingerprint uint64
	UpdatedAt   time.Time
}

// ScoreRecord is one published result
type ScoreRecord struct {
	RequestID    string    `json:"requestId"`
	HypothesisID string    `json:"hypothesisId,omitempty"`
	FrameID      string    `json:"frameId"`
	Result       Result    `json:"result"`
	Timestamp    time.Time `json:"timestamp"`
}

// FieldStore holds the distance fields of every view for the current frame.
// A field is rebuilt only when its edge set changes; each rebuild starts a
// new frame with a fresh frame ID. Safe for concurrent use.
type FieldStore struct {
	mu      sync.RWMutex
	viewIDs []string
	rows    int
	cols    int
	opts    TransformOptions
	states  map[string]*ViewState
	frameID string
	results []ScoreRecord
}

// NewFieldStore creates a store for the given views, in aggregation order
func NewFieldStore(viewIDs []string, rows, cols int, opts TransformOptions) *FieldStore {
	return &FieldStore{
		viewIDs: append([]string(nil), viewIDs...),
		rows:    rows,
		cols:    cols,
		opts:    opts,
		states:  make(map[string]*ViewState),
	}
}

// ViewIDs returns the configured views in order
func (fs *FieldStore) ViewIDs() []string {
	return append([]string(nil), fs.viewIDs...)
}

func (fs *FieldStore) hasView(id string) bool {
	for _, v := range fs.viewIDs {
		if v == id {
			return true
		}
	}
	return false
}

// UpdateEdges stores a new edge map for a view and rebuilds its field when
// the edge set differs from the stored one. It reports whether a rebuild
// happened.
func (fs *FieldStore) UpdateEdges(viewID string, e *EdgeSet) (bool, error) {
	if !fs.hasView(viewID) {
		return false, fmt.Errorf("%w: unknown view %q", ErrInvalidInput, viewID)
	}
	if e == nil {
		return false, fmt.Errorf("%w: nil edge set", ErrInvalidInput)
	}
	if e.Rows != fs.rows || e.Cols != fs.cols {
		return false, fmt.Errorf("%w: view %s edges are %dx%d, grid is %dx%d",
			ErrDimensionMismatch, viewID, e.Rows, e.Cols, fs.rows, fs.cols)
	}

	fp := e.Fingerprint()
	fs.mu.RLock()
	prev := fs.states[viewID]
	fs.mu.RUnlock()
	if prev != nil && prev.Fingerprint == fp {
		return false, nil
	}

	// built outside the lock; readers keep using the previous field
	field, err := BuildDistanceField(e.Points, e.Rows, e.Cols, fs.opts)
	if err != nil {
		return false, fmt.Errorf("building field for view %s: %w", viewID, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.states[viewID] = &ViewState{
		ViewID:      viewID,
		Edges:       e,
		Field:       field,
		Fingerprint: fp,
		UpdatedAt:   time.Now(),
	}
	fs.frameID = uuid.NewString()
	Logger().Info("distance field rebuilt", "view", viewID, "points", len(e.Points), "frame", fs.frameID)
	return true, nil
}

// FrameID identifies the current set of fields. Empty until the first
// field is built.
func (fs *FieldStore) FrameID() string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.frameID
}

// View returns the state of one view, or nil
func (fs *FieldStore) View(viewID string) *ViewState {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if s := fs.states[viewID]; s != nil {
		c := *s
		return &c
	}
	return nil
}

// Ready reports whether every view has a field
func (fs *FieldStore) Ready() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.states) == len(fs.viewIDs)
}

// Fields returns the fields of the given view indexes, in that order, and
// the frame they belong to
func (fs *FieldStore) Fields(indexes []int) ([]*DistanceField, string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]*DistanceField, 0, len(indexes))
	for _, i := range indexes {
		if i < 0 || i >= len(fs.viewIDs) {
			return nil, "", fmt.Errorf("%w: view %d of %d", ErrInvalidInput, i, len(fs.viewIDs))
		}
		s := fs.states[fs.viewIDs[i]]
		if s == nil {
			return nil, "", fmt.Errorf("%w: no edges received for view %s", ErrPrecondition, fs.viewIDs[i])
		}
		out = append(out, s.Field)
	}
	return out, fs.frameID, nil
}

// RecordResult appends a result to the bounded history. Missing request IDs
// and timestamps are filled in.
func (fs *FieldStore) RecordResult(rec ScoreRecord) ScoreRecord {
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.results = append(fs.results, rec)
	if over := len(fs.results) - maxResultHistory; over > 0 {
		fs.results = append(fs.results[:0:0], fs.results[over:]...)
	}
	return rec
}

// Results returns the recorded results, oldest first
func (fs *FieldStore) Results() []ScoreRecord {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]ScoreRecord, len(fs.results))
	copy(out, fs.results)
	return out
}
