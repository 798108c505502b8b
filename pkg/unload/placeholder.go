package unload

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/tensor"
)

// Component is the minimal contract of an unloadable sub-module.
// *nn.Module satisfies it.
type Component interface {
	Device() *tensor.Device
	DType() tensor.DType
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Move(opts ...nn.MoveOption) error
}

// paramHolder is implemented by components whose storage can be cleared.
type paramHolder interface {
	Params() []*tensor.Param
}

// Placeholder stands in for an unloaded component. It reports the device and
// dtype of the model it was installed on, ignores moves and refuses to run.
type Placeholder struct {
	id     uuid.UUID
	device *tensor.Device
	dtype  tensor.DType
	dummy  *tensor.Param
}

// NewPlaceholder returns a placeholder reporting dev and dt. It carries a
// single zero-valued host param so code walking params keeps working.
func NewPlaceholder(dev *tensor.Device, dt tensor.DType) (*Placeholder, error) {
	if dev == nil {
		dev = tensor.Host()
	}
	if !dt.Valid() {
		dt = tensor.DTypeF32
	}
	t, err := tensor.New([]int{1}, tensor.DTypeF32, tensor.Host())
	if err != nil {
		return nil, err
	}
	return &Placeholder{
		id:     uuid.New(),
		device: dev,
		dtype:  dt,
		dummy:  tensor.NewParam(t),
	}, nil
}

func (p *Placeholder) ID() uuid.UUID { return p.id }

func (p *Placeholder) Device() *tensor.Device { return p.device }

func (p *Placeholder) DType() tensor.DType { return p.dtype }

func (p *Placeholder) Forward(*tensor.Tensor) (*tensor.Tensor, error) {
	return nil, ErrPlaceholderForward
}

// Move is a no-op.
func (p *Placeholder) Move(...nn.MoveOption) error { return nil }

func (p *Placeholder) Params() []*tensor.Param { return []*tensor.Param{p.dummy} }

func (p *Placeholder) String() string {
	return fmt.Sprintf("Placeholder(%s, %s, %s)", p.id, p.device, p.dtype)
}

// IsPlaceholder reports whether c is an installed placeholder.
func IsPlaceholder(c Component) bool {
	_, ok := c.(*Placeholder)
	return ok
}
