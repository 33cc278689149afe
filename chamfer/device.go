package chamfer

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// pitchAlign is the row alignment of device allocations, in elements
const pitchAlign = 32

// minChunk is the smallest slice of work handed to one lane
const minChunk = 4096

// Device is a data-parallel compute context. Kernels split their index
// range across a fixed set of lanes, each a long-lived goroutine with its
// own queue. An idle lane steals queued work from its neighbours.
//
// Thread safety: kernels may be launched from several goroutines, also
// while Close runs, but a buffer must not be used by two kernels at once.
type Device struct {
	lanes  int
	queues []chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	// mu orders enqueueing against Close: launches hold it shared until
	// their chunks are queued, so no chunk lands after the lanes drained
	mu      sync.RWMutex
	running atomic.Bool

	// live counts allocations not yet freed
	live atomic.Int64
}

// NewDevice starts a device with the given number of lanes. If lanes is 0
// or negative, GOMAXPROCS is used.
func NewDevice(lanes int) *Device {
	if lanes <= 0 {
		lanes = runtime.GOMAXPROCS(0)
	}
	queueSize := max(lanes*4, 8)

	d := &Device{
		lanes:  lanes,
		queues: make([]chan func(), lanes),
		done:   make(chan struct{}),
	}
	for i := range lanes {
		d.queues[i] = make(chan func(), queueSize)
	}
	d.running.Store(true)

	d.wg.Add(lanes)
	for i := range lanes {
		go d.lane(i)
	}
	Logger().Debug("device started", "lanes", lanes)
	return d
}

func (d *Device) lane(id int) {
	defer d.wg.Done()

	mine := d.queues[id]
	for {
		select {
		case <-d.done:
			d.drain(mine)
			return
		case work := <-mine:
			work()
		default:
			if stolen := d.steal(id); stolen != nil {
				stolen()
				continue
			}
			select {
			case <-d.done:
				d.drain(mine)
				return
			case work := <-mine:
				work()
			}
		}
	}
}

func (d *Device) drain(queue chan func()) {
	for {
		select {
		case work := <-queue:
			work()
		default:
			return
		}
	}
}

func (d *Device) steal(id int) func() {
	for i := range d.lanes {
		if i == id {
			continue
		}
		select {
		case work := <-d.queues[i]:
			return work
		default:
		}
	}
	return nil
}

// Lanes returns the number of lanes
func (d *Device) Lanes() int { return d.lanes }

// Closed reports whether Close has been called
func (d *Device) Closed() bool { return !d.running.Load() }

// LiveAllocations returns the number of buffers allocated on the device and
// not yet freed
func (d *Device) LiveAllocations() int { return int(d.live.Load()) }

// Close stops every lane after queued work finishes. Buffers allocated on
// the device become unusable. Safe to call more than once.
func (d *Device) Close() {
	d.mu.Lock()
	if !d.running.CompareAndSwap(true, false) {
		d.mu.Unlock()
		return
	}
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
	Logger().Debug("device closed", "leaked", d.live.Load())
}

// chunks splits [0, n) into at most one range per lane
func (d *Device) chunks(n int) [][2]int {
	parts := min(d.lanes, (n+minChunk-1)/minChunk)
	if parts < 1 {
		parts = 1
	}
	step := (n + parts - 1) / parts
	out := make([][2]int, 0, parts)
	for lo := 0; lo < n; lo += step {
		out = append(out, [2]int{lo, min(lo+step, n)})
	}
	return out
}

// launch runs fn over [0, n) split into lane-sized chunks and waits for
// every chunk. fn receives the chunk number and its bounds.
func (d *Device) launch(n int, fn func(chunk, lo, hi int)) error {
	d.mu.RLock()
	if !d.running.Load() {
		d.mu.RUnlock()
		return fmt.Errorf("%w: device closed", ErrResourceUnavailable)
	}
	if n <= 0 {
		d.mu.RUnlock()
		return nil
	}
	parts := d.chunks(n)
	if len(parts) == 1 {
		d.mu.RUnlock()
		fn(0, 0, n)
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(len(parts))
	for i, p := range parts {
		d.queues[i%d.lanes] <- func() {
			defer wg.Done()
			fn(i, p[0], p[1])
		}
	}
	d.mu.RUnlock()
	wg.Wait()
	return nil
}

// deviceScalar lists the element types a DeviceBuffer can hold
type deviceScalar interface {
	~float32 | ~float64 | ~uint32
}

// DeviceBuffer is a pitched 2D allocation on a Device. Each row occupies
// Pitch elements; the elements past Cols form the gutter.
type DeviceBuffer[T deviceScalar] struct {
	dev   *Device
	rows  int
	cols  int
	pitch int
	data  []T
}

// NewBuffer allocates a zeroed rows x cols buffer on d
func NewBuffer[T deviceScalar](d *Device, rows, cols int) (*DeviceBuffer[T], error) {
	if d == nil || d.Closed() {
		return nil, fmt.Errorf("%w: device unavailable", ErrResourceUnavailable)
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: buffer must be non-empty, got %dx%d", ErrInvalidInput, rows, cols)
	}
	pitch := (cols + pitchAlign - 1) / pitchAlign * pitchAlign
	d.live.Add(1)
	return &DeviceBuffer[T]{
		dev:   d,
		rows:  rows,
		cols:  cols,
		pitch: pitch,
		data:  make([]T, rows*pitch),
	}, nil
}

// Dims returns the logical size of the buffer
func (b *DeviceBuffer[T]) Dims() (rows, cols int) { return b.rows, b.cols }

// Pitch returns the row stride in elements
func (b *DeviceBuffer[T]) Pitch() int { return b.pitch }

// Device returns the owning device
func (b *DeviceBuffer[T]) Device() *Device { return b.dev }

// Row returns the logical part of row r
func (b *DeviceBuffer[T]) Row(r int) []T {
	off := r * b.pitch
	return b.data[off : off+b.cols]
}

// Raw returns every element including gutters
func (b *DeviceBuffer[T]) Raw() []T { return b.data }

// Free releases the allocation. Freeing twice is a no-op.
func (b *DeviceBuffer[T]) Free() {
	if b == nil || b.data == nil {
		return
	}
	b.data = nil
	b.dev.live.Add(-1)
}

func (b *DeviceBuffer[T]) freed() bool { return b.data == nil }
