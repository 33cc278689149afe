package chamfer

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"golang.org/x/image/vector"
)

// minPolygonArea drops degenerate polygons, in squared world units
const minPolygonArea = 1e-9

// SceneOptions tunes a PolygonScene
type SceneOptions struct {
	// BottomUp stores the first image row at the bottom, the way GL
	// framebuffers do. Evaluations then need FlipRows.
	BottomUp bool
	// Simplify is the Douglas-Peucker tolerance applied to the hypothesis,
	// in world units. Zero keeps every vertex.
	Simplify float64
}

// PolygonScene is a reference MultiViewRenderer. It rasterises a polygonal
// hypothesis silhouette through one affine camera per view and exposes the
// coverage as occupancy.
type PolygonScene struct {
	rows, cols int
	views      []AffineMatrix
	opts       SceneOptions

	mu     sync.Mutex
	hyp    orb.MultiPolygon
	active int
	mask   *image.Alpha
	pix    []float32
	dirty  bool
	mapped bool
	device *Device
}

// NewPolygonScene creates a scene with one view per transform
func NewPolygonScene(rows, cols int, views []AffineMatrix, opts SceneOptions) (*PolygonScene, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: scene must be non-empty, got %dx%d", ErrInvalidInput, rows, cols)
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("%w: scene needs at least one view", ErrInvalidInput)
	}
	if opts.Simplify < 0 {
		return nil, fmt.Errorf("%w: negative simplify tolerance", ErrInvalidInput)
	}
	return &PolygonScene{
		rows:  rows,
		cols:  cols,
		views: append([]AffineMatrix(nil), views...),
		opts:  opts,
		mask:  image.NewAlpha(image.Rect(0, 0, cols, rows)),
		pix:   make([]float32, rows*cols),
	}, nil
}

// SetHypothesis replaces the silhouette. Rings are reoriented so holes cut
// out of their polygon, polygons with no area are dropped.
func (s *PolygonScene) SetHypothesis(mp orb.MultiPolygon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapped {
		return fmt.Errorf("%w: scene is mapped", ErrResourceUnavailable)
	}
	s.hyp = prepareHypothesis(mp, s.opts.Simplify)
	s.dirty = true
	return nil
}

// Hypothesis returns the prepared silhouette
func (s *PolygonScene) Hypothesis() orb.MultiPolygon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hyp
}

func prepareHypothesis(mp orb.MultiPolygon, tolerance float64) orb.MultiPolygon {
	mp = mp.Clone()
	if tolerance > 0 {
		if simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(mp).(orb.MultiPolygon); ok {
			mp = simplified
		}
	}
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, poly := range mp {
		if len(poly) == 0 || len(poly[0]) < 3 || math.Abs(planar.Area(poly)) < minPolygonArea {
			continue
		}
		for i, ring := range poly {
			want := orb.CCW
			if i > 0 {
				want = orb.CW
			}
			if ring.Orientation() != want {
				ring.Reverse()
			}
		}
		out = append(out, poly)
	}
	return out
}

// NumViews implements MultiViewRenderer
func (s *PolygonScene) NumViews() int { return len(s.views) }

// SetActiveView implements MultiViewRenderer
func (s *PolygonScene) SetActiveView(view int) error {
	if view < 0 || view >= len(s.views) {
		return fmt.Errorf("%w: view %d of %d", ErrInvalidInput, view, len(s.views))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapped {
		return fmt.Errorf("%w: scene is mapped", ErrResourceUnavailable)
	}
	if view != s.active {
		s.active, s.dirty = view, true
	}
	return nil
}

// ActiveView returns the view that Acquire renders
func (s *PolygonScene) ActiveView() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Bind ties the scene to a device. nil unbinds.
func (s *PolygonScene) Bind(d *Device) { s.device = d }

// BoundDevice implements DeviceBound
func (s *PolygonScene) BoundDevice() *Device { return s.device }

// Dims implements Surface
func (s *PolygonScene) Dims() (rows, cols int) { return s.rows, s.cols }

// Acquire implements Surface. The active view is rasterised on demand.
func (s *PolygonScene) Acquire() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hyp == nil {
		return nil, fmt.Errorf("%w: no hypothesis set", ErrResourceUnavailable)
	}
	if s.mapped {
		return nil, fmt.Errorf("%w: scene already mapped", ErrResourceUnavailable)
	}
	if s.dirty {
		s.render()
		s.dirty = false
	}
	s.mapped = true
	return &Frame{Rows: s.rows, Cols: s.cols, Stride: s.cols, Pix: s.pix}, nil
}

// Release implements Surface
func (s *PolygonScene) Release(*Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mapped {
		return fmt.Errorf("%w: scene not mapped", ErrPrecondition)
	}
	s.mapped = false
	return nil
}

// render rasterises the hypothesis through the active view into pix
func (s *PolygonScene) render() {
	m := s.views[s.active]
	z := vector.NewRasterizer(s.cols, s.rows)
	for _, poly := range s.hyp {
		for _, ring := range poly {
			for i, p := range ring {
				x, y := m.TransformPoint(p[0], p[1])
				if i == 0 {
					z.MoveTo(float32(x), float32(y))
				} else {
					z.LineTo(float32(x), float32(y))
				}
			}
			z.ClosePath()
		}
	}
	clear(s.mask.Pix)
	z.Draw(s.mask, s.mask.Bounds(), image.Opaque, image.Point{})

	for r := 0; r < s.rows; r++ {
		dst := r
		if s.opts.BottomUp {
			dst = s.rows - 1 - r
		}
		src := s.mask.Pix[r*s.mask.Stride : r*s.mask.Stride+s.cols]
		out := s.pix[dst*s.cols : (dst+1)*s.cols]
		for c, a := range src {
			out[c] = float32(a) / 255
		}
	}
}
