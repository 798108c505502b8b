package nn

import "github.com/samcharles93/offload/pkg/tensor"

// Forwarder is the forward computation installed on a module.
type Forwarder interface {
	Forward(m *Module, x *tensor.Tensor) (*tensor.Tensor, error)
}

// ForwardFunc adapts a function to Forwarder.
type ForwardFunc func(m *Module, x *tensor.Tensor) (*tensor.Tensor, error)

func (f ForwardFunc) Forward(m *Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	return f(m, x)
}

// Forward runs the module's current forward computation on x.
func (m *Module) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if m.forward == nil {
		return nil, ErrNoForward
	}
	return m.forward.Forward(m, x)
}

// Forwarder returns the current forward computation, or nil.
func (m *Module) Forwarder() Forwarder { return m.forward }

// SetForward installs f and returns the previous forward computation.
func (m *Module) SetForward(f Forwarder) Forwarder {
	prev := m.forward
	m.forward = f
	return prev
}
