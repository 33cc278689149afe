package chamfer

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/floats"
)

// OverlayStyle sets the colors of overlay elements
type OverlayStyle struct {
	Silhouette color.NRGBA // occupied pixels with a correspondence
	Unmatched  color.NRGBA // occupied pixels without one
	Edge       color.NRGBA
	Link       color.NRGBA // correspondence lines (vector overlay)
	Outline    color.NRGBA // silhouette border (vector overlay)
	Text       color.RGBA
}

// DefaultOverlayStyle returns the built-in palette
func DefaultOverlayStyle() OverlayStyle {
	return OverlayStyle{
		Silhouette: color.NRGBA{100, 149, 237, 150}, // Cornflower blue
		Unmatched:  color.NRGBA{255, 99, 71, 180},   // Tomato
		Edge:       color.NRGBA{255, 255, 255, 255},
		Link:       color.NRGBA{255, 215, 0, 160},  // Gold
		Outline:    color.NRGBA{65, 105, 225, 255}, // Royal blue
		Text:       color.RGBA{255, 255, 255, 255},
	}
}

// OverlayOptions controls RenderOverlay and VectorOverlay
type OverlayOptions struct {
	Scale    int  // output pixels per grid cell; 0 means 1 for PNG, 4 for SVG
	FlipRows bool // frame rows are bottom-up
	Label    string
	Style    *OverlayStyle // nil uses DefaultOverlayStyle
	// LinkStep draws every n-th correspondence in the vector overlay;
	// 0 disables them
	LinkStep int
}

func (o OverlayOptions) style() OverlayStyle {
	if o.Style != nil {
		return *o.Style
	}
	return DefaultOverlayStyle()
}

// checkOverlay validates the overlay inputs. frame may be nil.
func checkOverlay(field *DistanceField, frame *Frame) error {
	if field == nil {
		return fmt.Errorf("%w: overlay needs a distance field", ErrInvalidInput)
	}
	rows, cols := field.Dims()
	if frame != nil && (frame.Rows != rows || frame.Cols != cols) {
		return fmt.Errorf("%w: frame is %dx%d, field is %dx%d",
			ErrDimensionMismatch, frame.Rows, frame.Cols, rows, cols)
	}
	return nil
}

// distanceRange returns the smallest and largest finite distances
func distanceRange(field *DistanceField) (lo, hi float64) {
	raw := field.Distance.RawMatrix()
	lo, hi = math.Inf(1), math.Inf(-1)
	for r := 0; r < raw.Rows; r++ {
		row := raw.Data[r*raw.Stride : r*raw.Stride+raw.Cols]
		lo = math.Min(lo, floats.Min(row))
		hi = math.Max(hi, floats.Max(row))
	}
	return lo, hi
}

// heatColor maps t in [0, 1] from dark blue (near) through red to yellow (far)
func heatColor(t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	switch {
	case t < 0.5:
		u := t / 0.5
		return color.RGBA{uint8(200 * u), 0, uint8(96 * (1 - u)), 255}
	default:
		u := (t - 0.5) / 0.5
		return color.RGBA{uint8(200 + 55*u), uint8(220 * u), 0, 255}
	}
}

// RenderOverlay draws the distance map as a heat map, tints the pixels the
// frame occupies, marks the edge points and prints the label in the top left
// corner.
func RenderOverlay(field *DistanceField, frame *Frame, opts OverlayOptions) (*image.RGBA, error) {
	if err := checkOverlay(field, frame); err != nil {
		return nil, err
	}
	scale := max(opts.Scale, 1)
	style := opts.style()
	rows, cols := field.Dims()
	img := image.NewRGBA(image.Rect(0, 0, cols*scale, rows*scale))

	lo, hi := distanceRange(field)
	span := hi - lo
	if span <= 0 {
		span = 1
	}

	pos := field.Position
	for r := 0; r < rows; r++ {
		var occ []float32
		if frame != nil {
			occ = frame.Row(r, opts.FlipRows)
		}
		for c := 0; c < cols; c++ {
			px := heatColor((field.Distance.At(r, c) - lo) / span)
			id := pos.At(r, c)
			switch {
			case id == int32(r*cols+c):
				px = nrgbaToRGBA(style.Edge)
			case occ != nil && Occupied(occ[c]) && id == NoCorrespondence:
				px = nrgbaToRGBA(blendColors(px, style.Unmatched))
			case occ != nil && Occupied(occ[c]):
				px = nrgbaToRGBA(blendColors(px, style.Silhouette))
			}
			fillCell(img, c*scale, r*scale, scale, px)
		}
	}

	if opts.Label != "" {
		drawText(img, 3, 12, opts.Label, style.Text)
	}
	return img, nil
}

func fillCell(img *image.RGBA, x, y, size int, c color.RGBA) {
	for dy := 0; dy < size; dy++ {
		for dx := 0; dx < size; dx++ {
			img.SetRGBA(x+dx, y+dy, c)
		}
	}
}

// blendColors alpha-blends fg over an opaque background
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	alpha := float64(fg.A) / 255.0
	inv := 1.0 - alpha
	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bg.R)*inv),
		G: uint8(float64(fg.G)*alpha + float64(bg.G)*inv),
		B: uint8(float64(fg.B)*alpha + float64(bg.B)*inv),
		A: 255,
	}
}

// nrgbaToRGBA premultiplies alpha
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	switch c.A {
	case 0:
		return color.RGBA{}
	case 255:
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: c.A,
	}
}

// drawText renders text onto an image with its baseline at y
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// SavePNG writes an image to a PNG file
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
