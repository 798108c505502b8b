package nn

import (
	"math"
	"math/rand"
	"strconv"

	"github.com/samcharles93/offload/pkg/tensor"
)

// Init fills freshly built layers. A nil Init leaves weights at zero and
// norm scales at one.
type Init struct {
	rng *rand.Rand
}

// NewInit returns a deterministic initializer seeded with seed.
func NewInit(seed int64) *Init {
	return &Init{rng: rand.New(rand.NewSource(seed))}
}

func (in *Init) uniform(n int, bound float64) []float32 {
	out := make([]float32, n)
	if in == nil || in.rng == nil {
		return out
	}
	for i := range out {
		out[i] = float32((in.rng.Float64()*2 - 1) * bound)
	}
	return out
}

func param(vals []float32, shape ...int) (*tensor.Param, error) {
	t, err := tensor.FromFloat32(vals, shape, tensor.DTypeF32, tensor.Host())
	if err != nil {
		return nil, err
	}
	return tensor.NewParam(t), nil
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// NewLinear builds a "Linear" layer with weight [out, in] and optional bias [out].
func NewLinear(in, out int, bias bool, fill *Init) (*Module, error) {
	return NewLinearClass("Linear", in, out, bias, fill)
}

// NewLinearClass builds a linear layer reporting a custom class-kind, such as
// "LoRACompatibleLinear" or "QLinear".
func NewLinearClass(class string, in, out int, bias bool, fill *Init) (*Module, error) {
	m := New(class)
	bound := 1 / math.Sqrt(float64(in))
	w, err := param(fill.uniform(out*in, bound), out, in)
	if err != nil {
		return nil, err
	}
	m.AddParam("weight", w)
	if bias {
		b, err := param(fill.uniform(out, bound), out)
		if err != nil {
			return nil, err
		}
		m.AddParam("bias", b)
	}
	m.SetForward(ForwardFunc(linearForward))
	return m, nil
}

// Conv2dConfig describes a square-kernel 2D convolution.
type Conv2dConfig struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	Bias        bool
}

// NewConv2d builds a "Conv2d" layer with weight [out, in, k, k].
func NewConv2d(cfg Conv2dConfig, fill *Init) (*Module, error) {
	return NewConv2dClass("Conv2d", cfg, fill)
}

func NewConv2dClass(class string, cfg Conv2dConfig, fill *Init) (*Module, error) {
	if cfg.Stride <= 0 {
		cfg.Stride = 1
	}
	m := New(class)
	fanIn := cfg.InChannels * cfg.Kernel * cfg.Kernel
	bound := 1 / math.Sqrt(float64(max(fanIn, 1)))
	w, err := param(fill.uniform(cfg.OutChannels*fanIn, bound), cfg.OutChannels, cfg.InChannels, cfg.Kernel, cfg.Kernel)
	if err != nil {
		return nil, err
	}
	m.AddParam("weight", w)
	if cfg.Bias {
		b, err := param(fill.uniform(cfg.OutChannels, bound), cfg.OutChannels)
		if err != nil {
			return nil, err
		}
		m.AddParam("bias", b)
	}
	m.SetForward(convGeometry{stride: cfg.Stride, padding: cfg.Padding})
	return m, nil
}

// NewLayerNorm builds a "LayerNorm" with weight and bias of size dim.
func NewLayerNorm(dim int) (*Module, error) {
	m := New("LayerNorm")
	w, err := param(ones(dim), dim)
	if err != nil {
		return nil, err
	}
	b, err := param(make([]float32, dim), dim)
	if err != nil {
		return nil, err
	}
	m.AddParam("weight", w).AddParam("bias", b)
	m.SetForward(norm{kind: normLayer, eps: 1e-5})
	return m, nil
}

// NewRMSNorm builds an "RMSNorm" with a scale of size dim.
func NewRMSNorm(dim int) (*Module, error) {
	m := New("RMSNorm")
	w, err := param(ones(dim), dim)
	if err != nil {
		return nil, err
	}
	m.AddParam("weight", w)
	m.SetForward(norm{kind: normRMS, eps: 1e-6})
	return m, nil
}

// NewGroupNorm builds a "GroupNorm" over NC... input.
func NewGroupNorm(groups, channels int) (*Module, error) {
	m := New("GroupNorm")
	w, err := param(ones(channels), channels)
	if err != nil {
		return nil, err
	}
	b, err := param(make([]float32, channels), channels)
	if err != nil {
		return nil, err
	}
	m.AddParam("weight", w).AddParam("bias", b)
	m.SetForward(groupNorm{groups: groups, eps: 1e-5})
	return m, nil
}

// NewEmbedding builds an "Embedding" table [vocab, dim]. Inputs hold token ids.
func NewEmbedding(vocab, dim int, fill *Init) (*Module, error) {
	m := New("Embedding")
	w, err := param(fill.uniform(vocab*dim, 1), vocab, dim)
	if err != nil {
		return nil, err
	}
	m.AddParam("weight", w)
	m.SetForward(ForwardFunc(embeddingForward))
	return m, nil
}

// NewRotaryEmbedding builds a paramless rotary position embedding
// reporting the given class-kind, such as "RotaryEmbedding".
func NewRotaryEmbedding(class string) *Module {
	m := New(class)
	m.SetForward(rotary{base: 10000})
	return m
}

func NewSiLU() *Module {
	m := New("SiLU")
	m.SetForward(ForwardFunc(siluForward))
	return m
}

// NewSequential chains layers under the names "0", "1", ...
func NewSequential(layers ...*Module) *Module {
	return NewSequentialClass("Sequential", layers...)
}

func NewSequentialClass(class string, layers ...*Module) *Module {
	m := New(class)
	for i, l := range layers {
		m.Add(strconv.Itoa(i), l)
	}
	m.SetForward(ForwardFunc(sequentialForward))
	return m
}
