// Package policy classifies module class-kinds for layer offloading.
package policy

import (
	"slices"
	"strings"
)

// Class is the offload classification of a module kind.
type Class int

const (
	// Unclassified modules are neither offloaded nor tracked.
	Unclassified Class = iota
	Linear
	Conv
	// Unmanaged modules are moved with the model and never offloaded.
	Unmanaged
)

func (c Class) String() string {
	switch c {
	case Linear:
		return "linear"
	case Conv:
		return "conv"
	case Unmanaged:
		return "unmanaged"
	default:
		return "unclassified"
	}
}

// Eligible reports whether modules of this class may be offloaded.
func (c Class) Eligible() bool { return c == Linear || c == Conv }

var (
	LinearKinds = []string{
		"Linear",
		"LoRACompatibleLinear",
		"QLinear",
	}
	ConvKinds = []string{
		"Conv2d",
		"LoRACompatibleConv",
		"QConv2d",
	}
	UnmanagedKinds = []string{
		"LayerNorm",
		"BatchNorm1d",
		"BatchNorm2d",
		"BatchNorm3d",
		"GroupNorm",
		"InstanceNorm1d",
		"InstanceNorm2d",
		"InstanceNorm3d",
		"Embedding",
		"EmbeddingBag",
		"RNNBase",
		"LSTM",
		"GRU",
		"RNN",
		"Conv3d",
	}
	// UnmanagedFragments catch variants that are not enumerated, such as
	// "RMSNorm" or "RotaryEmbeddingV2".
	UnmanagedFragments = []string{
		"RotaryEmbedding",
		"Norm",
		"RotaryPosEmbed",
	}
)

// Classify maps a class-kind to its offload class. Exact names are checked
// first; the fragment list only applies when no exact name matched.
func Classify(kind string) Class {
	switch {
	case slices.Contains(LinearKinds, kind):
		return Linear
	case slices.Contains(ConvKinds, kind):
		return Conv
	case slices.Contains(UnmanagedKinds, kind):
		return Unmanaged
	}
	for _, frag := range UnmanagedFragments {
		if strings.Contains(kind, frag) {
			return Unmanaged
		}
	}
	return Unclassified
}
