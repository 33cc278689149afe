package chamfer

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DeviceField is a distance field resident on a Device. Positions are
// stored as identity+1 so that 0 stands for "no correspondence" and for
// the gutter alike.
type DeviceField struct {
	Distance  *DeviceBuffer[float64]
	Position  *DeviceBuffer[uint32]
	NumPoints int
}

// Dims returns the grid size of the field
func (f *DeviceField) Dims() (rows, cols int) { return f.Distance.Dims() }

// Free releases both buffers
func (f *DeviceField) Free() {
	if f == nil {
		return
	}
	f.Distance.Free()
	f.Position.Free()
}

// FieldUploader is implemented by evaluators that can keep fields resident
// on their device between evaluations.
type FieldUploader interface {
	UploadField(f *DistanceField) (*DeviceField, error)
	SetDeviceField(f *DeviceField) error
}

// AcceleratedEvaluator scores surfaces with data-parallel kernels on a
// Device. It honors the same contract as ReferenceEvaluator; sums agree to
// within rounding of the reduction order and counts agree exactly.
//
// Not safe for concurrent use.
type AcceleratedEvaluator struct {
	lastResult

	dev *Device

	field *DeviceField
	// owned is the field uploaded by SetMaps, freed on rebind and Close
	owned *DeviceField

	occ     *DeviceBuffer[float32]
	sums    *DeviceBuffer[float64]
	keys    *DeviceBuffer[uint32]
	keysTmp *DeviceBuffer[uint32]
}

// NewAcceleratedEvaluator creates an evaluator running on dev
func NewAcceleratedEvaluator(dev *Device) (*AcceleratedEvaluator, error) {
	if dev == nil || dev.Closed() {
		return nil, fmt.Errorf("%w: device unavailable", ErrResourceUnavailable)
	}
	return &AcceleratedEvaluator{dev: dev}, nil
}

// Device returns the device the evaluator runs on
func (e *AcceleratedEvaluator) Device() *Device { return e.dev }

// UploadDistance copies a host distance map to a new device buffer. The
// caller owns the result and frees it.
func (e *AcceleratedEvaluator) UploadDistance(m *mat.Dense) (*DeviceBuffer[float64], error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil distance map", ErrInvalidInput)
	}
	rows, cols := m.Dims()
	buf, err := NewBuffer[float64](e.dev, rows, cols)
	if err != nil {
		return nil, err
	}
	for r := range rows {
		copy(buf.Row(r), m.RawRowView(r))
	}
	return buf, nil
}

// UploadPositions copies a host position map to a new device buffer,
// shifting every identity up by one. The caller owns the result and frees it.
func (e *AcceleratedEvaluator) UploadPositions(p *PositionMap) (*DeviceBuffer[uint32], error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil position map", ErrInvalidInput)
	}
	n := p.Rows * p.Cols
	if len(p.Index) != n || n >= math.MaxUint32 {
		return nil, fmt.Errorf("%w: position map holds %d entries for %dx%d", ErrInvalidInput, len(p.Index), p.Rows, p.Cols)
	}
	buf, err := NewBuffer[uint32](e.dev, p.Rows, p.Cols)
	if err != nil {
		return nil, err
	}
	for r := range p.Rows {
		out := buf.Row(r)
		for c, id := range p.Index[r*p.Cols : (r+1)*p.Cols] {
			switch {
			case id == NoCorrespondence:
				out[c] = 0
			case id < 0 || int(id) >= n:
				buf.Free()
				return nil, fmt.Errorf("%w: position identity %d outside %dx%d grid", ErrInvalidInput, id, p.Rows, p.Cols)
			default:
				out[c] = uint32(id) + 1
			}
		}
	}
	return buf, nil
}

// UploadField uploads both maps of f. The caller owns the result.
func (e *AcceleratedEvaluator) UploadField(f *DistanceField) (*DeviceField, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil distance field", ErrInvalidInput)
	}
	if err := checkMaps(f.Distance, f.Position, f.NumPoints); err != nil {
		return nil, err
	}
	dist, err := e.UploadDistance(f.Distance)
	if err != nil {
		return nil, err
	}
	pos, err := e.UploadPositions(f.Position)
	if err != nil {
		dist.Free()
		return nil, err
	}
	return &DeviceField{Distance: dist, Position: pos, NumPoints: f.NumPoints}, nil
}

// SetDeviceMaps binds device-resident maps. The caller keeps ownership.
func (e *AcceleratedEvaluator) SetDeviceMaps(dist *DeviceBuffer[float64], pos *DeviceBuffer[uint32], numEdges int) error {
	return e.SetDeviceField(&DeviceField{Distance: dist, Position: pos, NumPoints: numEdges})
}

// SetDeviceField binds a device-resident field. The caller keeps ownership.
func (e *AcceleratedEvaluator) SetDeviceField(f *DeviceField) error {
	if err := e.checkDeviceField(f); err != nil {
		return err
	}
	e.releaseOwned()
	e.field = f
	return nil
}

func (e *AcceleratedEvaluator) checkDeviceField(f *DeviceField) error {
	if f == nil || f.Distance == nil || f.Position == nil {
		return fmt.Errorf("%w: distance and position buffers are required", ErrInvalidInput)
	}
	if f.Distance.freed() || f.Position.freed() {
		return fmt.Errorf("%w: buffer already freed", ErrPrecondition)
	}
	if f.Distance.dev != e.dev || f.Position.dev != e.dev {
		return fmt.Errorf("%w: buffers belong to another device", ErrResourceUnavailable)
	}
	if f.NumPoints < 0 {
		return fmt.Errorf("%w: negative edge point count %d", ErrInvalidInput, f.NumPoints)
	}
	dr, dc := f.Distance.Dims()
	pr, pc := f.Position.Dims()
	if dr != pr || dc != pc {
		return fmt.Errorf("%w: distance buffer is %dx%d, position buffer is %dx%d", ErrDimensionMismatch, dr, dc, pr, pc)
	}
	return nil
}

// SetMaps uploads host maps into buffers owned by the evaluator
func (e *AcceleratedEvaluator) SetMaps(distance *mat.Dense, position *PositionMap, numEdges int) error {
	if err := checkMaps(distance, position, numEdges); err != nil {
		return err
	}
	f, err := e.UploadField(&DistanceField{Distance: distance, Position: position, NumPoints: numEdges})
	if err != nil {
		return err
	}
	e.releaseOwned()
	e.field, e.owned = f, f
	return nil
}

// SetField uploads the maps of a distance field
func (e *AcceleratedEvaluator) SetField(f *DistanceField) error {
	if f == nil {
		return fmt.Errorf("%w: nil distance field", ErrInvalidInput)
	}
	return e.SetMaps(f.Distance, f.Position, f.NumPoints)
}

func (e *AcceleratedEvaluator) releaseOwned() {
	if e.owned != nil {
		if e.field == e.owned {
			e.field = nil
		}
		e.owned.Free()
		e.owned = nil
	}
}

// ensureScratch sizes the per-call buffers for a rows x cols grid
func (e *AcceleratedEvaluator) ensureScratch(rows, cols int) error {
	if e.occ != nil {
		if r, c := e.occ.Dims(); r == rows && c == cols {
			return nil
		}
	}
	e.freeScratch()

	var err error
	if e.occ, err = NewBuffer[float32](e.dev, rows, cols); err != nil {
		return err
	}
	if e.sums, err = NewBuffer[float64](e.dev, rows, cols); err != nil {
		e.freeScratch()
		return err
	}
	if e.keys, err = NewBuffer[uint32](e.dev, rows, cols); err != nil {
		e.freeScratch()
		return err
	}
	if e.keysTmp, err = NewBuffer[uint32](e.dev, rows, cols); err != nil {
		e.freeScratch()
		return err
	}
	return nil
}

func (e *AcceleratedEvaluator) freeScratch() {
	e.occ.Free()
	e.sums.Free()
	e.keys.Free()
	e.keysTmp.Free()
	e.occ, e.sums, e.keys, e.keysTmp = nil, nil, nil, nil
}

// Evaluate scores one surface against the bound maps.
//
// The surface is mapped only while its rows are copied onto the device and
// is released before any reduction runs.
func (e *AcceleratedEvaluator) Evaluate(ctx context.Context, s Surface, opts EvalOptions) (Result, error) {
	e.reset()
	if e.field == nil {
		return Result{}, fmt.Errorf("%w: maps not set", ErrPrecondition)
	}
	if e.dev.Closed() {
		return Result{}, fmt.Errorf("%w: device closed", ErrResourceUnavailable)
	}
	if err := e.checkDeviceField(e.field); err != nil {
		return Result{}, err
	}
	rows, cols := e.field.Dims()
	if err := checkSurface(s, rows, cols); err != nil {
		return Result{}, err
	}
	if b, ok := s.(DeviceBound); ok {
		if dev := b.BoundDevice(); dev != nil && dev != e.dev {
			return Result{}, fmt.Errorf("%w: surface bound to another device", ErrResourceUnavailable)
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := e.ensureScratch(rows, cols); err != nil {
		return Result{}, err
	}

	err := withFrame(s, func(f *Frame) error {
		if err := memset(e.occ, 0); err != nil {
			return err
		}
		return copyFrame(e.occ, f, opts.FlipRows)
	})
	if err != nil {
		return Result{}, err
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := widen(e.occ, e.sums); err != nil {
		return Result{}, err
	}
	model, err := reduce(e.dev, e.sums.data)
	if err != nil {
		return Result{}, err
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	sum, err := mulReduce(e.occ, e.field.Distance, e.sums, opts.Squared)
	if err != nil {
		return Result{}, err
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	corr, err := e.countCorrespondences()
	if err != nil {
		return Result{}, err
	}

	res := Result{
		ModelPoints:     int(model),
		DataPoints:      e.field.NumPoints,
		Correspondences: int(corr),
		sum:             sum,
		squared:         opts.Squared,
	}
	e.store(res)
	Logger().Debug("accelerated evaluation",
		"model", res.ModelPoints, "data", res.DataPoints, "corr", res.Correspondences,
		"sum", sum, "squared", opts.Squared, "lanes", e.dev.Lanes())
	return res, nil
}

// countCorrespondences masks positions by occupancy, sorts them and counts
// distinct non-zero keys
func (e *AcceleratedEvaluator) countCorrespondences() (float64, error) {
	if err := maskPositions(e.field.Position, e.keys, e.occ); err != nil {
		return 0, err
	}
	if err := radixSort(e.dev, e.keys.data, e.keysTmp.data); err != nil {
		return 0, err
	}
	if err := markChanges(e.dev, e.keys.data, e.sums.data); err != nil {
		return 0, err
	}
	return reduce(e.dev, e.sums.data)
}

// Close frees every buffer the evaluator allocated. Fields bound with
// SetDeviceField stay with their owner.
func (e *AcceleratedEvaluator) Close() error {
	e.releaseOwned()
	e.field = nil
	e.freeScratch()
	e.reset()
	return nil
}
