package policy

import "testing"

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     string
		expected Class
	}{
		{"Linear", Linear},
		{"LoRACompatibleLinear", Linear},
		{"QLinear", Linear},
		{"Conv2d", Conv},
		{"LoRACompatibleConv", Conv},
		{"QConv2d", Conv},
		{"LayerNorm", Unmanaged},
		{"Embedding", Unmanaged},
		{"LSTM", Unmanaged},
		{"Conv3d", Unmanaged},
		{"RMSNorm", Unmanaged},
		{"AdaLayerNormZero", Unmanaged},
		{"RotaryEmbeddingV2", Unmanaged},
		{"FluxRotaryPosEmbed", Unmanaged},
		{"Conv1d", Unclassified},
		{"linear", Unclassified}, // case-sensitive
		{"LinearBlock", Unclassified},
		{"Sequential", Unclassified},
		{"", Unclassified},
	}

	for _, tc := range tests {
		if got := Classify(tc.kind); got != tc.expected {
			t.Errorf("Classify(%q): expected %v, got %v", tc.kind, tc.expected, got)
		}
	}
}

func TestClassEligible(t *testing.T) {
	t.Parallel()

	for c, want := range map[Class]bool{Linear: true, Conv: true, Unmanaged: false, Unclassified: false} {
		if c.Eligible() != want {
			t.Errorf("%v.Eligible(): expected %v", c, want)
		}
	}
	if Conv.String() != "conv" || Unclassified.String() != "unclassified" {
		t.Errorf("unexpected class names %q %q", Conv, Unclassified)
	}
}
