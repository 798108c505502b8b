package nn

import (
	"fmt"

	"github.com/samcharles93/offload/pkg/tensor"
)

// MoveArgs is a device-move request. A nil Device or DTypeUnknown means the
// corresponding property is left as is.
type MoveArgs struct {
	Device *tensor.Device
	DType  tensor.DType
}

func (a MoveArgs) HasDevice() bool { return a.Device != nil }

func (a MoveArgs) HasDType() bool { return a.DType != tensor.DTypeUnknown }

func (a MoveArgs) String() string {
	dev, dt := "-", "-"
	if a.HasDevice() {
		dev = a.Device.String()
	}
	if a.HasDType() {
		dt = a.DType.String()
	}
	return fmt.Sprintf("device=%s dtype=%s", dev, dt)
}

type MoveOption func(*MoveArgs)

func WithDevice(d *tensor.Device) MoveOption {
	return func(a *MoveArgs) { a.Device = d }
}

func WithDType(dt tensor.DType) MoveOption {
	return func(a *MoveArgs) { a.DType = dt }
}

// NewMoveArgs folds opts into a MoveArgs; later options win.
func NewMoveArgs(opts ...MoveOption) MoveArgs {
	var a MoveArgs
	for _, o := range opts {
		o(&a)
	}
	return a
}

// Mover is the device-move operation installed on a module.
type Mover interface {
	Move(m *Module, args MoveArgs) error
}

// MoverFunc adapts a function to Mover.
type MoverFunc func(m *Module, args MoveArgs) error

func (f MoverFunc) Move(m *Module, args MoveArgs) error { return f(m, args) }

// Native is the real device transfer. It relocates and casts every param in
// the subtree directly, without consulting the movers installed on children.
var Native Mover = MoverFunc(nativeMove)

func nativeMove(m *Module, args MoveArgs) error {
	if !args.HasDevice() && !args.HasDType() {
		return nil
	}
	for _, p := range m.Params() {
		if err := p.MoveTo(args.Device, args.DType); err != nil {
			return fmt.Errorf("move %s (%s): %w", m.class, args, err)
		}
	}
	return nil
}

// Move dispatches to the module's current mover.
func (m *Module) Move(opts ...MoveOption) error {
	return m.mover.Move(m, NewMoveArgs(opts...))
}

// To is Move returning the module, for call chains.
func (m *Module) To(opts ...MoveOption) (*Module, error) {
	if err := m.Move(opts...); err != nil {
		return nil, err
	}
	return m, nil
}

// Mover returns the current move operation.
func (m *Module) Mover() Mover { return m.mover }

// SetMover installs mv and returns the previous move operation.
// A nil mv restores Native.
func (m *Module) SetMover(mv Mover) Mover {
	prev := m.mover
	if mv == nil {
		mv = Native
	}
	m.mover = mv
	return prev
}
