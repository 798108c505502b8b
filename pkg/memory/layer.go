package memory

import (
	"errors"
	"fmt"

	"github.com/samcharles93/offload/internal/metrics"
	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/policy"
	"github.com/samcharles93/offload/pkg/tensor"
)

type layerKey struct{}

// Residency is where a managed layer's weights currently live.
type Residency int

const (
	ResidentHost Residency = iota
	ResidentDevice
)

func (r Residency) String() string {
	if r == ResidentDevice {
		return "device"
	}
	return "host"
}

// strategy is what differs between linear and conv layers: which params are
// fetched and what the input must look like.
type strategy struct {
	class policy.Class
	attrs []string
	check func(x *tensor.Tensor) error
}

var (
	linearStrategy = strategy{
		class: policy.Linear,
		attrs: []string{"weight", "bias", "scale"},
	}
	convStrategy = strategy{
		class: policy.Conv,
		attrs: []string{"weight", "bias"},
		check: func(x *tensor.Tensor) error {
			if x.Rank() != 4 {
				return fmt.Errorf("%w: conv input must be NCHW, got %v", tensor.ErrShape, x.Shape())
			}
			return nil
		},
	}
)

func strategyFor(c policy.Class) (strategy, error) {
	switch c {
	case policy.Linear:
		return linearStrategy, nil
	case policy.Conv:
		return convStrategy, nil
	default:
		return strategy{}, fmt.Errorf("no offload strategy for %s", c)
	}
}

// LayerManager wraps the forward computation of one offload-eligible layer.
// The layer's params stay on the host. Each forward call copies them onto the
// manager's device, runs the original computation and drops the copies.
type LayerManager struct {
	owner     *Manager
	layer     *nn.Module
	kind      strategy
	original  nn.Forwarder
	residency Residency

	fetches      int
	fetchedBytes int64
}

// LayerOf returns the per-layer manager wrapping m, if any.
func LayerOf(m *nn.Module) (*LayerManager, bool) {
	l, ok := m.Value(layerKey{}).(*LayerManager)
	return l, ok
}

func attachLayer(m *nn.Module, class policy.Class, owner *Manager) (*LayerManager, error) {
	if l, ok := LayerOf(m); ok {
		return l, nil
	}
	kind, err := strategyFor(class)
	if err != nil {
		return nil, err
	}
	for _, p := range m.OwnParams() {
		if err := p.MoveTo(tensor.Host(), tensor.DTypeUnknown); err != nil {
			return nil, fmt.Errorf("stage %s on host: %w", m.Class(), err)
		}
	}
	l := &LayerManager{
		owner: owner,
		layer: m,
		kind:  kind,
	}
	l.original = m.SetForward(l)
	m.SetValue(layerKey{}, l)
	owner.layers = append(owner.layers, l)
	metrics.LayersManaged.WithLabelValues(class.String()).Inc()
	return l, nil
}

// detach restores the layer's original forward computation.
func (l *LayerManager) detach() {
	l.layer.SetForward(l.original)
	l.layer.SetValue(layerKey{}, nil)
	metrics.LayersManaged.WithLabelValues(l.kind.class.String()).Dec()
}

// Forward fetches the layer's weights onto the target device, runs the
// original computation there and returns the weights to their host copies.
// Running out of device memory is returned as is, wrapping
// tensor.ErrOutOfMemory; the layer is left exactly as it was.
func (l *LayerManager) Forward(m *nn.Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	if l.original == nil {
		return nil, nn.ErrNoForward
	}
	if l.kind.check != nil {
		if err := l.kind.check(x); err != nil {
			return nil, err
		}
	}
	dev := l.owner.device
	label := l.kind.class.String()

	type fetched struct {
		param *tensor.Param
		host  *tensor.Tensor
	}
	var swapped []fetched
	restore := func() {
		for _, f := range swapped {
			f.param.Swap(f.host).Release()
		}
		l.residency = ResidentHost
	}

	var bytes int64
	for _, name := range l.kind.attrs {
		p := m.Param(name)
		if p == nil || p.Cleared() {
			continue
		}
		on, err := p.Data().To(dev, tensor.DTypeUnknown)
		if err != nil {
			restore()
			metrics.LayerFetchFailures.WithLabelValues(label).Inc()
			return nil, fmt.Errorf("fetch %s.%s to %s: %w", m.Class(), name, dev, err)
		}
		if on == p.Data() {
			continue
		}
		swapped = append(swapped, fetched{param: p, host: p.Swap(on)})
		bytes += on.Bytes()
	}
	l.residency = ResidentDevice
	defer restore()

	in, err := x.To(dev, tensor.DTypeUnknown)
	if err != nil {
		metrics.LayerFetchFailures.WithLabelValues(label).Inc()
		return nil, fmt.Errorf("fetch %s input to %s: %w", m.Class(), dev, err)
	}
	if in != x {
		defer in.Release()
		bytes += in.Bytes()
	}

	l.fetches++
	l.fetchedBytes += bytes
	metrics.LayerFetches.WithLabelValues(label).Inc()
	metrics.LayerFetchBytes.WithLabelValues(label).Add(float64(bytes))

	y, err := l.original.Forward(m, in)
	if err != nil {
		if errors.Is(err, tensor.ErrOutOfMemory) {
			metrics.LayerFetchFailures.WithLabelValues(label).Inc()
		}
		return nil, err
	}
	return y, nil
}

// Layer returns the wrapped module.
func (l *LayerManager) Layer() *nn.Module { return l.layer }

// Kind returns the offload class that selected the fetch strategy.
func (l *LayerManager) Kind() policy.Class { return l.kind.class }

// Manager returns the model manager that owns this layer.
func (l *LayerManager) Manager() *Manager { return l.owner }

// Residency reports where the weights are right now. It is ResidentDevice
// only while a forward call is running.
func (l *LayerManager) Residency() Residency { return l.residency }

// Fetches is the number of completed weight fetches.
func (l *LayerManager) Fetches() int { return l.fetches }

// FetchedBytes is the total of bytes copied onto the device by fetches.
func (l *LayerManager) FetchedBytes() int64 { return l.fetchedBytes }
