package tensor

// Param is a named weight whose backing storage can be replaced in place.
// A Param with nil storage is cleared.
type Param struct {
	data *Tensor
}

func NewParam(t *Tensor) *Param { return &Param{data: t} }

func (p *Param) Data() *Tensor { return p.data }

// SetData installs t and releases the previous storage unless it is t.
func (p *Param) SetData(t *Tensor) {
	old := p.data
	p.data = t
	if old != nil && old != t {
		old.Release()
	}
}

// Swap installs t and returns the previous storage without releasing it.
func (p *Param) Swap(t *Tensor) *Tensor {
	old := p.data
	p.data = t
	return old
}

// MoveTo relocates and casts the storage. Either argument may be left unset
// (nil device, DTypeUnknown).
func (p *Param) MoveTo(dev *Device, dt DType) error {
	if p.data == nil {
		return nil
	}
	t, err := p.data.To(dev, dt)
	if err != nil {
		return err
	}
	p.SetData(t)
	return nil
}

// Clear releases the storage and leaves the param empty.
func (p *Param) Clear() { p.SetData(nil) }

func (p *Param) Cleared() bool { return p.data == nil }

func (p *Param) Bytes() int64 {
	if p.data == nil {
		return 0
	}
	return p.data.Bytes()
}
