package chamfer

import (
	"image/png"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// defaultVectorScale is the cell size of vector overlays, in millimetres
const defaultVectorScale = 4

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// VectorOverlay draws a field and an optional frame as vector graphics:
// the occupied pixels, the edge points and, every LinkStep pixels, the line
// from an occupied pixel to its nearest edge point.
type VectorOverlay struct {
	Field      *DistanceField
	Frame      *Frame
	Options    OverlayOptions
	Resolution canvas.Resolution // PNG output only
}

// NewVectorOverlay validates the inputs and applies defaults
func NewVectorOverlay(field *DistanceField, frame *Frame, opts OverlayOptions) (*VectorOverlay, error) {
	if err := checkOverlay(field, frame); err != nil {
		return nil, err
	}
	if opts.Scale <= 0 {
		opts.Scale = defaultVectorScale
	}
	return &VectorOverlay{Field: field, Frame: frame, Options: opts, Resolution: canvas.DPI(150)}, nil
}

// RenderOverlaySVG writes the vector overlay of a field and frame as SVG
func RenderOverlaySVG(w io.Writer, field *DistanceField, frame *Frame, opts OverlayOptions) error {
	v, err := NewVectorOverlay(field, frame, opts)
	if err != nil {
		return err
	}
	return v.RenderToSVG(w)
}

func (v *VectorOverlay) size() (width, height float64) {
	rows, cols := v.Field.Dims()
	s := float64(v.Options.Scale)
	return float64(cols) * s, float64(rows) * s
}

// RenderToSVG writes the overlay as SVG
func (v *VectorOverlay) RenderToSVG(w io.Writer) error {
	width, height := v.size()
	r := svg.New(w, width, height, nil)
	v.render(r, width, height)
	return r.Close()
}

// RenderToPNG rasterises the overlay at Resolution and writes it as PNG
func (v *VectorOverlay) RenderToPNG(w io.Writer) error {
	width, height := v.size()
	r := rasterizer.New(width, height, v.Resolution, canvas.DefaultColorSpace)
	v.render(r, width, height)
	return png.Encode(w, r)
}

// render draws in canvas coordinates, which grow upwards; grid row 0 is
// at the top.
func (v *VectorOverlay) render(renderer canvasRenderer, width, height float64) {
	rows, cols := v.Field.Dims()
	s := float64(v.Options.Scale)
	style := v.Options.style()
	center := func(r, c int) (float64, float64) {
		return (float64(c) + 0.5) * s, height - (float64(r)+0.5)*s
	}

	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.Black}
	bg.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	// occupied pixels, split by whether they found a correspondence
	matched, unmatched := &canvas.Path{}, &canvas.Path{}
	links := &canvas.Path{}
	var nMatched, nUnmatched, nLinks int
	if v.Frame != nil {
		n := 0
		for r := 0; r < rows; r++ {
			occ := v.Frame.Row(r, v.Options.FlipRows)
			for c := 0; c < cols; c++ {
				if !Occupied(occ[c]) {
					continue
				}
				x0, y0 := float64(c)*s, height-float64(r+1)*s
				id := v.Field.Position.At(r, c)
				dst := matched
				if id == NoCorrespondence {
					dst = unmatched
					nUnmatched++
				} else {
					nMatched++
				}
				dst.MoveTo(x0, y0)
				dst.LineTo(x0+s, y0)
				dst.LineTo(x0+s, y0+s)
				dst.LineTo(x0, y0+s)
				dst.Close()

				if id == NoCorrespondence || v.Options.LinkStep <= 0 {
					continue
				}
				if n%v.Options.LinkStep == 0 {
					p, _ := v.Field.Position.Point(id)
					x1, y1 := center(r, c)
					x2, y2 := center(p.Row, p.Col)
					links.MoveTo(x1, y1)
					links.LineTo(x2, y2)
					nLinks++
				}
				n++
			}
		}
	}
	fill := func(p *canvas.Path, c canvas.Paint) {
		st := canvas.DefaultStyle
		st.Fill = c
		st.Stroke = canvas.Paint{Color: canvas.Transparent}
		renderer.RenderPath(p, st, canvas.Identity)
	}
	if nMatched > 0 {
		fill(matched, canvas.Paint{Color: nrgbaToRGBA(style.Silhouette)})
	}
	if nUnmatched > 0 {
		fill(unmatched, canvas.Paint{Color: nrgbaToRGBA(style.Unmatched)})
	}

	outline := canvas.DefaultStyle
	outline.Fill = canvas.Paint{Color: canvas.Transparent}
	outline.Stroke = canvas.Paint{Color: nrgbaToRGBA(style.Outline)}
	outline.StrokeWidth = s / 6
	for _, ring := range TraceSilhouette(v.Frame, v.Options.FlipRows, 0) {
		p := &canvas.Path{}
		for i, pt := range ring[:len(ring)-1] {
			x, y := pt[0]*s, height-pt[1]*s
			if i == 0 {
				p.MoveTo(x, y)
			} else {
				p.LineTo(x, y)
			}
		}
		p.Close()
		renderer.RenderPath(p, outline, canvas.Identity)
	}

	if nLinks > 0 {
		ls := canvas.DefaultStyle
		ls.Fill = canvas.Paint{Color: canvas.Transparent}
		ls.Stroke = canvas.Paint{Color: nrgbaToRGBA(style.Link)}
		ls.StrokeWidth = s / 8
		renderer.RenderPath(links, ls, canvas.Identity)
	}

	// edge points
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if v.Field.Position.At(r, c) != int32(r*cols+c) {
				continue
			}
			x, y := center(r, c)
			fill(canvas.Circle(s/3).Translate(x, y), canvas.Paint{Color: nrgbaToRGBA(style.Edge)})
		}
	}
}
