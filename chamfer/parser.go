package chamfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	_ "image/jpeg" // registered for DecodeEdgeImage
	"image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// edgeThreshold is the luminance above which an image pixel is an edge
const edgeThreshold = 0x7f

// EdgeSet is an edge map: the grid it was detected on and its edge pixels
type EdgeSet struct {
	Rows   int
	Cols   int
	Points []EdgePoint
}

// edgeSetJSON is the wire form: {"rows":R,"cols":C,"points":[[r,c],...]}
type edgeSetJSON struct {
	Rows   int      `json:"rows"`
	Cols   int      `json:"cols"`
	Points [][2]int `json:"points"`
}

// MarshalJSON implements json.Marshaler
func (e *EdgeSet) MarshalJSON() ([]byte, error) {
	out := edgeSetJSON{Rows: e.Rows, Cols: e.Cols, Points: make([][2]int, len(e.Points))}
	for i, p := range e.Points {
		out.Points[i] = [2]int{p.Row, p.Col}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EdgeSet) UnmarshalJSON(data []byte) error {
	var in edgeSetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.Rows, e.Cols = in.Rows, in.Cols
	e.Points = make([]EdgePoint, len(in.Points))
	for i, p := range in.Points {
		e.Points[i] = EdgePoint{Row: p[0], Col: p[1]}
	}
	return nil
}

// Validate checks the grid size and that every point lies on it
func (e *EdgeSet) Validate() error {
	if e.Rows <= 0 || e.Cols <= 0 {
		return fmt.Errorf("%w: edge map grid %dx%d", ErrInvalidInput, e.Rows, e.Cols)
	}
	for _, p := range e.Points {
		if p.Row < 0 || p.Row >= e.Rows || p.Col < 0 || p.Col >= e.Cols {
			return fmt.Errorf("%w: edge point (%d, %d) outside %dx%d grid", ErrInvalidInput, p.Row, p.Col, e.Rows, e.Cols)
		}
	}
	return nil
}

// Fingerprint hashes the grid size and the set of edge pixels. Point order
// and duplicates do not change it.
func (e *EdgeSet) Fingerprint() uint64 {
	ids := make([]int, len(e.Points))
	for i, p := range e.Points {
		ids[i] = p.Row*e.Cols + p.Col
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	h := fnv.New64a()
	fmt.Fprintf(h, "%dx%d", e.Rows, e.Cols)
	var buf [8]byte
	for _, id := range ids {
		for i := range buf {
			buf[i] = byte(id >> (8 * i))
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}

// Image renders the edge set as a white-on-black grayscale image
func (e *EdgeSet) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, e.Cols, e.Rows))
	for _, p := range e.Points {
		img.SetGray(p.Col, p.Row, color.Gray{Y: 0xff})
	}
	return img
}

// ParseEdgeFile reads an edge map from disk. Files ending in .json hold
// explicit points; anything else is decoded as an image.
func ParseEdgeFile(path string) (*EdgeSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseEdgeJSON(data)
	}
	return DecodeEdgeImage(bytes.NewReader(data))
}

// ParseEdgeJSON parses an explicit edge point list
func ParseEdgeJSON(data []byte) (*EdgeSet, error) {
	var e EdgeSet
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeEdgeImage decodes an edge image in any registered format. Pixels
// brighter than mid-gray are edges.
func DecodeEdgeImage(r io.Reader) (*EdgeSet, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding edge image: %w", ErrInvalidInput, err)
	}
	b := img.Bounds()
	e := &EdgeSet{Rows: b.Dy(), Cols: b.Dx()}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if g.Y > edgeThreshold {
				e.Points = append(e.Points, EdgePoint{Row: y - b.Min.Y, Col: x - b.Min.X})
			}
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// ParseEdgePayload accepts either form, as received over MQTT or HTTP
func ParseEdgePayload(data []byte) (*EdgeSet, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return ParseEdgeJSON(trimmed)
	}
	return DecodeEdgeImage(bytes.NewReader(data))
}

// EncodeEdgePNG writes the edge set as a PNG
func EncodeEdgePNG(w io.Writer, e *EdgeSet) error {
	return png.Encode(w, e.Image())
}
