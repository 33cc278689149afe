package chamfer

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// NoCorrespondence marks a Position Map entry whose pixel has no edge point
// inside the configured search window.
const NoCorrespondence int32 = -1

// EdgePoint is a detected edge pixel in image grid coordinates
type EdgePoint struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// PositionMap records, for every pixel, the flattened identity
// (row*Cols + col) of its nearest edge point.
type PositionMap struct {
	Rows  int
	Cols  int
	Index []int32
}

// NewPositionMap allocates a rows x cols map filled with NoCorrespondence
func NewPositionMap(rows, cols int) *PositionMap {
	idx := make([]int32, rows*cols)
	for i := range idx {
		idx[i] = NoCorrespondence
	}
	return &PositionMap{Rows: rows, Cols: cols, Index: idx}
}

// At returns the identity recorded for pixel (r, c)
func (p *PositionMap) At(r, c int) int32 {
	return p.Index[r*p.Cols+c]
}

// Point decodes an identity back into the edge point it names.
// ok is false for NoCorrespondence.
func (p *PositionMap) Point(id int32) (EdgePoint, bool) {
	if id < 0 {
		return EdgePoint{}, false
	}
	return EdgePoint{Row: int(id) / p.Cols, Col: int(id) % p.Cols}, true
}

// DistanceField bundles a Distance Map, the matching Position Map and the
// number of edge points they were built from. It is built once per frame and
// shared read-only by every evaluation in that frame.
type DistanceField struct {
	Distance  *mat.Dense
	Position  *PositionMap
	NumPoints int
}

// NewDistanceField validates and bundles externally built maps. Distances
// must be finite and non-negative, and the position map may name at most
// numPoints distinct edge points.
func NewDistanceField(distance *mat.Dense, position *PositionMap, numPoints int) (*DistanceField, error) {
	if err := checkMaps(distance, position, numPoints); err != nil {
		return nil, err
	}
	return &DistanceField{Distance: distance, Position: position, NumPoints: numPoints}, nil
}

// Dims returns the grid size of the field
func (f *DistanceField) Dims() (rows, cols int) {
	return f.Distance.Dims()
}

func checkMaps(distance *mat.Dense, position *PositionMap, numPoints int) error {
	if distance == nil || position == nil {
		return fmt.Errorf("%w: distance and position maps are required", ErrInvalidInput)
	}
	if numPoints < 0 {
		return fmt.Errorf("%w: negative edge point count %d", ErrInvalidInput, numPoints)
	}
	rows, cols := distance.Dims()
	if rows != position.Rows || cols != position.Cols || len(position.Index) != rows*cols {
		return fmt.Errorf("%w: distance map is %dx%d, position map is %dx%d",
			ErrDimensionMismatch, rows, cols, position.Rows, position.Cols)
	}

	for r := 0; r < rows; r++ {
		for c, d := range distance.RawRowView(r) {
			if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
				return fmt.Errorf("%w: distance %v at (%d, %d)", ErrInvalidInput, d, r, c)
			}
		}
	}

	// distinct identities are edge points, so there cannot be more of them
	// than numPoints
	n := int32(rows * cols)
	seen := make([]bool, n)
	distinct := 0
	for i, id := range position.Index {
		if id == NoCorrespondence {
			continue
		}
		if id < 0 || id >= n {
			return fmt.Errorf("%w: position identity %d at index %d outside %dx%d grid", ErrInvalidInput, id, i, rows, cols)
		}
		if !seen[id] {
			seen[id] = true
			distinct++
		}
	}
	if distinct > numPoints {
		return fmt.Errorf("%w: position map names %d edge points, field has %d", ErrInvalidInput, distinct, numPoints)
	}
	return nil
}

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty.
// Views use it to map hypothesis world coordinates to pixel coordinates,
// x being the column and y the row.
type AffineMatrix struct {
	A  float64 `yaml:"a" json:"a"`
	B  float64 `yaml:"b" json:"b"`
	Tx float64 `yaml:"tx" json:"tx"`
	C  float64 `yaml:"c" json:"c"`
	D  float64 `yaml:"d" json:"d"`
	Ty float64 `yaml:"ty" json:"ty"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// Config represents the full configuration file
type Config struct {
	Grid      GridConfig      `yaml:"grid" json:"grid"`
	Transform TransformConfig `yaml:"transform" json:"transform"`
	Evaluator EvaluatorConfig `yaml:"evaluator" json:"evaluator"`
	MultiView MultiViewConfig `yaml:"multiview" json:"multiview"`
	Scene     SceneConfig     `yaml:"scene" json:"scene"`
	Views     []ViewConfig    `yaml:"views" json:"views"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
}

// GridConfig is the resolution shared by the edge maps and the renderer
type GridConfig struct {
	Rows int `yaml:"rows" json:"rows"`
	Cols int `yaml:"cols" json:"cols"`
}

// TransformConfig controls the distance field builder
type TransformConfig struct {
	MaskSize int    `yaml:"maskSize" json:"maskSize"`                 // 3, 5 or 7
	Window   int    `yaml:"window,omitempty" json:"window,omitempty"` // 0 = unbounded
	Method   string `yaml:"method,omitempty" json:"method,omitempty"` // "chamfer" or "exact"
}

// EvaluatorConfig selects and tunes the likelihood backend
type EvaluatorConfig struct {
	Backend  string `yaml:"backend" json:"backend"`                 // "reference" or "accelerated"
	Lanes    int    `yaml:"lanes,omitempty" json:"lanes,omitempty"` // 0 = GOMAXPROCS
	Squared  bool   `yaml:"squared,omitempty" json:"squared,omitempty"`
	FlipRows bool   `yaml:"flipRows,omitempty" json:"flipRows,omitempty"` // renderer rows are bottom-up
}

// MultiViewConfig selects which views take part in aggregation
type MultiViewConfig struct {
	Stride int   `yaml:"stride,omitempty" json:"stride,omitempty"` // every k-th view; default 1
	Views  []int `yaml:"views,omitempty" json:"views,omitempty"`   // explicit list overrides stride
}

// SceneConfig tunes the reference polygon renderer
type SceneConfig struct {
	BottomUp bool    `yaml:"bottomUp,omitempty" json:"bottomUp,omitempty"`
	Simplify float64 `yaml:"simplify,omitempty" json:"simplify,omitempty"` // Douglas-Peucker tolerance in world units
}

// ViewConfig defines one camera view and where its edge map comes from
type ViewConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Edges     string        `yaml:"edges,omitempty" json:"edges,omitempty"` // edge image or JSON path
	URL       string        `yaml:"url,omitempty" json:"url,omitempty"`     // edge image URL
	Topic     string        `yaml:"topic,omitempty" json:"topic,omitempty"` // MQTT topic carrying edge maps
	Poll      time.Duration `yaml:"poll,omitempty" json:"poll,omitempty"`   // re-fetch url this often in service mode
	Transform *AffineMatrix `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// GetTransform returns the view transform or identity if not set
func (vc *ViewConfig) GetTransform() AffineMatrix {
	if vc.Transform != nil {
		return *vc.Transform
	}
	return Identity()
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker          string `yaml:"broker" json:"broker"`
	PublishPrefix   string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID        string `yaml:"clientId" json:"clientId"`
	Username        string `yaml:"username,omitempty" json:"username,omitempty"`
	Password        string `yaml:"password,omitempty" json:"password,omitempty"`
	HypothesisTopic string `yaml:"hypothesisTopic,omitempty" json:"hypothesisTopic,omitempty"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// GetViewByID returns the view config for the given ID
func (c *Config) GetViewByID(id string) *ViewConfig {
	for i := range c.Views {
		if c.Views[i].ID == id {
			return &c.Views[i]
		}
	}
	return nil
}

// ViewTransforms returns the per-view transforms in view order
func (c *Config) ViewTransforms() []AffineMatrix {
	out := make([]AffineMatrix, len(c.Views))
	for i := range c.Views {
		out[i] = c.Views[i].GetTransform()
	}
	return out
}
