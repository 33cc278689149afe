package chamfer

import (
	"errors"
	"fmt"
	"sync"
)

// Surface is a borrowable occupancy buffer, typically the output of a
// renderer. The engine maps it for reading with Acquire and must hand it
// back with Release before the renderer may draw again.
type Surface interface {
	Dims() (rows, cols int)
	Acquire() (*Frame, error)
	Release(*Frame) error
}

// DeviceBound is implemented by surfaces that are tied to one compute
// device. Evaluators refuse surfaces bound to a different device.
type DeviceBound interface {
	BoundDevice() *Device
}

// Frame is a mapped, read-only view of a surface. Pix holds one intensity
// per pixel in [0, 1]; rows start every Stride elements.
type Frame struct {
	Rows   int
	Cols   int
	Stride int
	Pix    []float32
}

// Row returns pixel row r. With flip set, rows are counted from the bottom
// so a bottom-up renderer lines up with top-down maps.
func (f *Frame) Row(r int, flip bool) []float32 {
	if flip {
		r = f.Rows - 1 - r
	}
	off := r * f.Stride
	return f.Pix[off : off+f.Cols]
}

// Occupied reports whether a pixel intensity counts as covered.
func Occupied(v float32) bool { return v > 0 }

// withFrame maps s, runs fn and releases the frame on every path. A release
// failure is returned only when fn succeeded; otherwise fn's error wins and
// the release failure is logged.
func withFrame(s Surface, fn func(*Frame) error) (err error) {
	f, aerr := s.Acquire()
	if aerr != nil {
		if errors.Is(aerr, ErrResourceUnavailable) {
			return aerr
		}
		return fmt.Errorf("%w: %w", ErrResourceUnavailable, aerr)
	}
	if f == nil {
		_ = s.Release(f)
		return fmt.Errorf("%w: surface returned no frame", ErrResourceUnavailable)
	}
	defer func() {
		rerr := s.Release(f)
		if rerr == nil {
			return
		}
		if err != nil {
			Logger().Warn("surface release failed", "error", rerr)
			return
		}
		err = fmt.Errorf("%w: release: %w", ErrResourceUnavailable, rerr)
	}()
	return fn(f)
}

// Occupancy is a host-memory Surface. It can be mapped by one reader at a
// time.
type Occupancy struct {
	rows, cols int
	pix        []float32
	device     *Device

	mu     sync.Mutex
	mapped bool
}

// NewOccupancy allocates an empty rows x cols surface
func NewOccupancy(rows, cols int) *Occupancy {
	return &Occupancy{rows: rows, cols: cols, pix: make([]float32, rows*cols)}
}

// OccupancyFromRows builds a surface from row slices of equal length
func OccupancyFromRows(values [][]float32) (*Occupancy, error) {
	if len(values) == 0 || len(values[0]) == 0 {
		return nil, fmt.Errorf("%w: empty occupancy", ErrInvalidInput)
	}
	o := NewOccupancy(len(values), len(values[0]))
	for r, row := range values {
		if len(row) != o.cols {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrInvalidInput, r, len(row), o.cols)
		}
		copy(o.pix[r*o.cols:], row)
	}
	return o, nil
}

// Set writes one pixel. It must not be called while the surface is mapped.
func (o *Occupancy) Set(r, c int, v float32) {
	o.pix[r*o.cols+c] = v
}

// At reads one pixel
func (o *Occupancy) At(r, c int) float32 {
	return o.pix[r*o.cols+c]
}

// Fill sets every pixel to v
func (o *Occupancy) Fill(v float32) {
	for i := range o.pix {
		o.pix[i] = v
	}
}

// Bind ties the surface to a device. nil unbinds.
func (o *Occupancy) Bind(d *Device) { o.device = d }

// BoundDevice implements DeviceBound
func (o *Occupancy) BoundDevice() *Device { return o.device }

// Dims implements Surface
func (o *Occupancy) Dims() (rows, cols int) { return o.rows, o.cols }

// Acquire implements Surface
func (o *Occupancy) Acquire() (*Frame, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mapped {
		return nil, fmt.Errorf("%w: occupancy already mapped", ErrResourceUnavailable)
	}
	o.mapped = true
	return &Frame{Rows: o.rows, Cols: o.cols, Stride: o.cols, Pix: o.pix}, nil
}

// Release implements Surface
func (o *Occupancy) Release(*Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.mapped {
		return fmt.Errorf("%w: occupancy not mapped", ErrPrecondition)
	}
	o.mapped = false
	return nil
}

// Mapped reports whether a reader currently holds the surface
func (o *Occupancy) Mapped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mapped
}
