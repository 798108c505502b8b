package tensor

import "fmt"

// Tensor is a dense array with encoded storage owned by one device.
// Storage is accounted against the device until Release is called.
type Tensor struct {
	shape    []int
	dtype    DType
	device   *Device
	data     []byte
	released bool
}

// New allocates a zero-filled tensor on dev.
func New(shape []int, dt DType, dev *Device) (*Tensor, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownDType, dt)
	}
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		dev = Host()
	}
	size := int64(n * dt.Size())
	if err := dev.alloc(size); err != nil {
		return nil, err
	}
	return &Tensor{
		shape:  append([]int(nil), shape...),
		dtype:  dt,
		device: dev,
		data:   make([]byte, size),
	}, nil
}

// FromFloat32 encodes vals with dt and places the result on dev.
func FromFloat32(vals []float32, shape []int, dt DType, dev *Device) (*Tensor, error) {
	t, err := New(shape, dt, dev)
	if err != nil {
		return nil, err
	}
	if len(vals) != t.Numel() {
		t.Release()
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(vals), shape)
	}
	encode(t.data, dt, vals)
	return t, nil
}

func numel(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrShape)
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: %v", ErrShape, shape)
		}
		n *= d
	}
	return n, nil
}

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// Bytes returns the storage footprint.
func (t *Tensor) Bytes() int64 { return int64(t.Numel() * t.dtype.Size()) }

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Device() *Device { return t.device }

func (t *Tensor) Released() bool { return t.released }

// Float32 decodes the storage into a new slice.
func (t *Tensor) Float32() ([]float32, error) {
	if t.released {
		return nil, ErrReleased
	}
	out := make([]float32, t.Numel())
	decode(out, t.dtype, t.data)
	return out, nil
}

// To returns t placed on dev with dtype dt. A nil dev or DTypeUnknown keeps
// the current value. When nothing changes the receiver itself is returned;
// otherwise the copy is a fresh allocation and t is left untouched.
func (t *Tensor) To(dev *Device, dt DType) (*Tensor, error) {
	if t.released {
		return nil, ErrReleased
	}
	if dev == nil {
		dev = t.device
	}
	if dt == DTypeUnknown {
		dt = t.dtype
	}
	if dev == t.device && dt == t.dtype {
		return t, nil
	}
	out, err := New(t.shape, dt, dev)
	if err != nil {
		return nil, err
	}
	if dt == t.dtype {
		copy(out.data, t.data)
		return out, nil
	}
	vals := make([]float32, t.Numel())
	decode(vals, t.dtype, t.data)
	encode(out.data, dt, vals)
	return out, nil
}

// Release returns the storage to its device. Calling it twice is a no-op.
func (t *Tensor) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true
	t.device.free(int64(len(t.data)))
	t.data = nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %s, %s)", t.shape, t.dtype, t.device)
}
