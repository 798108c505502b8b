// Package pipeline assembles simulated base models and pipelines out of toy
// networks and implements the owner and pipeline contracts the unloader
// works against.
package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/offload/internal/toy"
	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/tensor"
	"github.com/samcharles93/offload/pkg/unload"
)

var ErrInvalidConfig = errors.New("pipeline: invalid config")

// Tokenizer is a vocabulary table. It holds host memory only.
type Tokenizer struct {
	Name  string
	Vocab map[string]int
}

func newTokenizer(name string, size int) *Tokenizer {
	v := make(map[string]int, size)
	for i := range size {
		v[fmt.Sprintf("tok%d", i)] = i
	}
	return &Tokenizer{Name: name, Vocab: v}
}

// Config describes a simulated base model.
type Config struct {
	Device *tensor.Device
	DType  tensor.DType
	// Encoders is the number of text encoders. One encoder is stored in
	// single form, more as a list.
	Encoders    int
	Encoder     toy.TextEncoderConfig
	Connectors  bool
	Denoiser    toy.DenoiserConfig
	NoTokenizer bool
}

// Model is a simulated base model. Text encoders and tokenizers use the
// same single-or-list form.
type Model struct {
	device *tensor.Device
	dtype  tensor.DType

	denoiser   *nn.Module
	slots      map[string]unload.Slot
	tokenizers []*Tokenizer
	tokList    bool
	pipeline   *Pipeline
}

// New builds the denoiser, the text encoders and a pipeline, and places
// every text component on cfg.Device in cfg.DType.
func New(cfg Config) (*Model, error) {
	if cfg.Device == nil {
		cfg.Device = tensor.Host()
	}
	if !cfg.DType.Valid() {
		cfg.DType = tensor.DTypeF32
	}
	if cfg.Encoders < 1 {
		return nil, fmt.Errorf("%w: need at least one text encoder, got %d", ErrInvalidConfig, cfg.Encoders)
	}
	den, err := toy.NewDenoiser(cfg.Denoiser)
	if err != nil {
		return nil, err
	}
	m := &Model{
		device:   cfg.Device,
		dtype:    cfg.DType,
		denoiser: den,
		slots:    make(map[string]unload.Slot),
		tokList:  cfg.Encoders > 1,
		pipeline: &Pipeline{components: map[string]unload.Component{"transformer": den}},
	}

	place := func(mod *nn.Module) error {
		return mod.Move(nn.WithDevice(cfg.Device), nn.WithDType(cfg.DType))
	}
	encoders := make([]unload.Component, 0, cfg.Encoders)
	for i := range cfg.Encoders {
		ec := cfg.Encoder
		ec.Seed += int64(i)
		enc, err := toy.NewTextEncoder(ec)
		if err != nil {
			return nil, err
		}
		if err := place(enc); err != nil {
			return nil, fmt.Errorf("pipeline: place text encoder %d: %w", i, err)
		}
		encoders = append(encoders, enc)
		m.pipeline.components[unload.SlotName(unload.TextEncoder, i)] = enc
		if !cfg.NoTokenizer {
			m.tokenizers = append(m.tokenizers, newTokenizer(unload.SlotName("tokenizer", i), ec.Vocab))
		}
	}
	if m.tokList {
		m.slots[unload.TextEncoder] = unload.List(encoders...)
	} else {
		m.slots[unload.TextEncoder] = unload.Single(encoders[0])
	}
	if len(m.tokenizers) > 0 {
		m.pipeline.tokenizer = m.tokenizers[0]
	}
	if cfg.Connectors {
		conn, err := toy.NewConnectors(cfg.Encoder.Hidden, cfg.Denoiser.Size, cfg.Encoder.Seed+100)
		if err != nil {
			return nil, err
		}
		if err := place(conn); err != nil {
			return nil, fmt.Errorf("pipeline: place connectors: %w", err)
		}
		m.pipeline.connectors = conn
	}
	return m, nil
}

func (m *Model) Device() *tensor.Device { return m.device }

func (m *Model) DType() tensor.DType { return m.dtype }

func (m *Model) Denoiser() *nn.Module { return m.denoiser }

func (m *Model) Slot(name string) (unload.Slot, bool) {
	s, ok := m.slots[name]
	return s, ok
}

func (m *Model) SetSlot(name string, s unload.Slot) { m.slots[name] = s }

func (m *Model) Pipeline() (unload.Pipeline, bool) {
	if m.pipeline == nil {
		return nil, false
	}
	return m.pipeline, true
}

// Pipe returns the concrete pipeline.
func (m *Model) Pipe() *Pipeline { return m.pipeline }

// TextEncoders returns the text encoder slot as a list, whatever its form.
func (m *Model) TextEncoders() []unload.Component {
	s, ok := m.slots[unload.TextEncoder]
	if !ok {
		return nil
	}
	return s.Items()
}

// Tokenizers returns the tokenizer entries. After an unload in list form it
// holds a single nil entry.
func (m *Model) Tokenizers() []*Tokenizer { return slices.Clone(m.tokenizers) }

func (m *Model) HasTokenizer() bool {
	return slices.ContainsFunc(m.tokenizers, func(t *Tokenizer) bool { return t != nil })
}

// DropTokenizer resets the list form to [nil] and the single form to nil.
func (m *Model) DropTokenizer() {
	if m.tokList {
		m.tokenizers = []*Tokenizer{nil}
		return
	}
	m.tokenizers = nil
}

// Encode runs every text encoder over ids and returns the outputs in slot
// order. Unloaded encoders fail with unload.ErrPlaceholderForward.
func (m *Model) Encode(ids []int) ([]*tensor.Tensor, error) {
	x, err := toy.Tokens(ids, m.device)
	if err != nil {
		return nil, err
	}
	defer x.Release()
	var out []*tensor.Tensor
	for i, enc := range m.TextEncoders() {
		if enc == nil {
			continue
		}
		y, err := enc.Forward(x)
		if err != nil {
			for _, t := range out {
				t.Release()
			}
			return nil, fmt.Errorf("text encoder %d: %w", i, err)
		}
		out = append(out, y)
	}
	return out, nil
}

// Pipeline holds components under flat names such as "text_encoder_2".
type Pipeline struct {
	components map[string]unload.Component
	tokenizer  *Tokenizer
	connectors unload.Component
}

func (p *Pipeline) Component(name string) (unload.Component, bool) {
	c, ok := p.components[name]
	return c, ok
}

func (p *Pipeline) SetComponent(name string, c unload.Component) { p.components[name] = c }

// Names returns the component names in sorted order.
func (p *Pipeline) Names() []string {
	return slices.Sorted(maps.Keys(p.components))
}

// TextEncoderNames returns the names of the text encoder slots present.
func (p *Pipeline) TextEncoderNames() []string {
	var out []string
	for _, n := range p.Names() {
		if strings.HasPrefix(n, unload.TextEncoder) {
			out = append(out, n)
		}
	}
	return out
}

func (p *Pipeline) Tokenizer() *Tokenizer { return p.tokenizer }

func (p *Pipeline) HasTokenizer() bool { return p.tokenizer != nil }

func (p *Pipeline) DropTokenizer() { p.tokenizer = nil }

func (p *Pipeline) Connectors() (unload.Component, bool) {
	return p.connectors, p.connectors != nil
}

func (p *Pipeline) DropConnectors() { p.connectors = nil }
