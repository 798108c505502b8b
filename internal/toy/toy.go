// Package toy builds small synthetic networks shaped like the parts of a
// diffusion pipeline: a convolutional/transformer denoiser with optional
// low-rank adapters, text encoders and text connectors. Weights are filled
// deterministically from a seed.
package toy

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/tensor"
)

var ErrInvalidConfig = errors.New("toy: invalid network config")

// DenoiserConfig sizes a denoiser. Inputs are [N, Channels, Size, Size].
type DenoiserConfig struct {
	Channels    int
	Size        int
	Blocks      int
	Groups      int
	Adapters    bool
	AdapterRank int
	Seed        int64
}

func DefaultDenoiser() DenoiserConfig {
	return DenoiserConfig{
		Channels:    4,
		Size:        8,
		Blocks:      2,
		Groups:      2,
		AdapterRank: 2,
		Seed:        1,
	}
}

func (c DenoiserConfig) validate() error {
	switch {
	case c.Channels <= 0 || c.Size <= 0 || c.Blocks < 0:
		return fmt.Errorf("%w: denoiser size %dx%dx%d", ErrInvalidConfig, c.Channels, c.Size, c.Size)
	case c.Size%2 != 0:
		return fmt.Errorf("%w: denoiser size %d must be even for rotary embeddings", ErrInvalidConfig, c.Size)
	case c.Groups <= 0 || c.Channels%c.Groups != 0:
		return fmt.Errorf("%w: %d channels cannot split into %d groups", ErrInvalidConfig, c.Channels, c.Groups)
	case c.Adapters && c.AdapterRank <= 0:
		return fmt.Errorf("%w: adapter rank must be positive, got %d", ErrInvalidConfig, c.AdapterRank)
	}
	return nil
}

// NewDenoiser builds a "Denoiser":
//
//	body.conv_in            Conv2d
//	body.<i>.norm           GroupNorm
//	body.<i>.act            SiLU
//	body.<i>.conv           Conv2d
//	body.<i>.proj           Linear over the last axis
//	body.<i>.proj_norm      RMSNorm
//	body.<i>.rope           RotaryPosEmbed
//	body.conv_out           Conv2d
//	adapters.<i>            LoRA (down, up), referenced by body.<i>.proj
//
// The adapters container is part of the tree but not of the forward path.
func NewDenoiser(cfg DenoiserConfig) (*nn.Module, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fill := nn.NewInit(cfg.Seed)
	conv := func() (*nn.Module, error) {
		return nn.NewConv2d(nn.Conv2dConfig{
			InChannels: cfg.Channels, OutChannels: cfg.Channels,
			Kernel: 3, Padding: 1, Bias: true,
		}, fill)
	}

	body := nn.NewSequentialClass("Sequential")
	adapters := nn.New("ModuleList")

	in, err := conv()
	if err != nil {
		return nil, err
	}
	body.Add("conv_in", in)
	for i := range cfg.Blocks {
		block, proj, err := denoiserBlock(cfg, fill)
		if err != nil {
			return nil, fmt.Errorf("toy: block %d: %w", i, err)
		}
		body.Add(strconv.Itoa(i), block)
		if cfg.Adapters {
			lora, err := NewAdapter(cfg.Size, cfg.AdapterRank, fill)
			if err != nil {
				return nil, err
			}
			proj.SetAdapter(lora)
			adapters.Add(strconv.Itoa(i), lora)
		}
	}
	out, err := conv()
	if err != nil {
		return nil, err
	}
	body.Add("conv_out", out)

	root := nn.New("Denoiser").Add("body", body)
	if cfg.Adapters {
		root.Add("adapters", adapters)
	}
	root.SetForward(nn.ForwardFunc(func(m *nn.Module, x *tensor.Tensor) (*tensor.Tensor, error) {
		return m.Child("body").Forward(x)
	}))
	return root, nil
}

func denoiserBlock(cfg DenoiserConfig, fill *nn.Init) (block, proj *nn.Module, err error) {
	norm, err := nn.NewGroupNorm(cfg.Groups, cfg.Channels)
	if err != nil {
		return nil, nil, err
	}
	conv, err := nn.NewConv2dClass("LoRACompatibleConv", nn.Conv2dConfig{
		InChannels: cfg.Channels, OutChannels: cfg.Channels,
		Kernel: 3, Padding: 1,
	}, fill)
	if err != nil {
		return nil, nil, err
	}
	proj, err = nn.NewLinearClass("LoRACompatibleLinear", cfg.Size, cfg.Size, true, fill)
	if err != nil {
		return nil, nil, err
	}
	projNorm, err := nn.NewRMSNorm(cfg.Size)
	if err != nil {
		return nil, nil, err
	}
	block = nn.NewSequentialClass("Block").
		Add("norm", norm).
		Add("act", nn.NewSiLU()).
		Add("conv", conv).
		Add("proj", proj).
		Add("proj_norm", projNorm).
		Add("rope", nn.NewRotaryEmbedding("RotaryPosEmbed"))
	return block, proj, nil
}

// NewAdapter builds a "LoRA" pair of linear layers, dim -> rank -> dim.
func NewAdapter(dim, rank int, fill *nn.Init) (*nn.Module, error) {
	down, err := nn.NewLinear(dim, rank, false, fill)
	if err != nil {
		return nil, err
	}
	up, err := nn.NewLinear(rank, dim, false, nil)
	if err != nil {
		return nil, err
	}
	return nn.NewSequentialClass("LoRA").Add("down", down).Add("up", up), nil
}

// DenoiserInput returns a deterministic [batch, Channels, Size, Size]
// latent on dev.
func DenoiserInput(cfg DenoiserConfig, batch int, dev *tensor.Device) (*tensor.Tensor, error) {
	n := batch * cfg.Channels * cfg.Size * cfg.Size
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32((i*7)%13)/13 - 0.5
	}
	return tensor.FromFloat32(vals, []int{batch, cfg.Channels, cfg.Size, cfg.Size}, tensor.DTypeF32, dev)
}

// TextEncoderConfig sizes a text encoder. Inputs are token ids of shape [seq].
type TextEncoderConfig struct {
	Vocab  int
	Hidden int
	Layers int
	Seed   int64
}

func DefaultTextEncoder() TextEncoderConfig {
	return TextEncoderConfig{Vocab: 64, Hidden: 16, Layers: 2, Seed: 2}
}

// NewTextEncoder builds a "TextEncoder": an embedding followed by
// pre-norm MLP blocks and a final LayerNorm.
func NewTextEncoder(cfg TextEncoderConfig) (*nn.Module, error) {
	if cfg.Vocab <= 0 || cfg.Hidden <= 0 || cfg.Layers < 0 {
		return nil, fmt.Errorf("%w: text encoder %d/%d/%d", ErrInvalidConfig, cfg.Vocab, cfg.Hidden, cfg.Layers)
	}
	fill := nn.NewInit(cfg.Seed)
	embed, err := nn.NewEmbedding(cfg.Vocab, cfg.Hidden, fill)
	if err != nil {
		return nil, err
	}
	enc := nn.NewSequentialClass("TextEncoder").Add("embed", embed)
	for i := range cfg.Layers {
		ln, err := nn.NewLayerNorm(cfg.Hidden)
		if err != nil {
			return nil, err
		}
		fc1, err := nn.NewLinear(cfg.Hidden, 2*cfg.Hidden, true, fill)
		if err != nil {
			return nil, err
		}
		fc2, err := nn.NewLinear(2*cfg.Hidden, cfg.Hidden, true, fill)
		if err != nil {
			return nil, err
		}
		enc.Add("layer_"+strconv.Itoa(i), nn.NewSequentialClass("EncoderLayer").
			Add("ln", ln).
			Add("fc1", fc1).
			Add("act", nn.NewSiLU()).
			Add("fc2", fc2))
	}
	final, err := nn.NewLayerNorm(cfg.Hidden)
	if err != nil {
		return nil, err
	}
	return enc.Add("final_norm", final), nil
}

// NewConnectors builds the text connector projection placed between the
// encoders and the denoiser.
func NewConnectors(hidden, out int, seed int64) (*nn.Module, error) {
	proj, err := nn.NewLinear(hidden, out, true, nn.NewInit(seed))
	if err != nil {
		return nil, err
	}
	return nn.NewSequentialClass("Connectors").Add("proj", proj), nil
}

// Tokens returns ids as a [len(ids)] tensor on dev.
func Tokens(ids []int, dev *tensor.Device) (*tensor.Tensor, error) {
	vals := make([]float32, len(ids))
	for i, id := range ids {
		vals[i] = float32(id)
	}
	return tensor.FromFloat32(vals, []int{len(ids)}, tensor.DTypeF32, dev)
}
