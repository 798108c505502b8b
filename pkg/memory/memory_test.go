package memory

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/policy"
	"github.com/samcharles93/offload/pkg/tensor"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

type testModel struct {
	root  *nn.Module
	embed *nn.Module
	proj  *nn.Module
	norm  *nn.Module
	act   *nn.Module
	out   *nn.Module
	conv  *nn.Module
}

// newTestModel builds a tree with three eligible layers (two linear, one
// conv), two always-unmanaged layers and two unclassified nodes.
func newTestModel(t *testing.T) testModel {
	t.Helper()
	fill := nn.NewInit(7)
	m := testModel{
		embed: must(nn.NewEmbedding(10, 4, fill)),
		proj:  must(nn.NewLinear(4, 4, true, fill)),
		norm:  must(nn.NewRMSNorm(4)),
		act:   nn.NewSiLU(),
		out:   must(nn.NewLinear(4, 2, false, fill)),
		conv: must(nn.NewConv2d(nn.Conv2dConfig{
			InChannels: 1, OutChannels: 2, Kernel: 3, Padding: 1, Bias: true,
		}, fill)),
	}
	m.root = nn.New("Model").
		Add("embed", m.embed).
		Add("proj", m.proj).
		Add("norm", m.norm).
		Add("act", m.act).
		Add("out", m.out).
		Add("conv", m.conv)
	return m
}

func TestAttachFullFraction(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	mgr := must(Attach(m.root, tensor.NewAccelerator(0, 0)))

	st := mgr.Stats()
	if st.Linear != 2 || st.Conv != 1 || st.Unmanaged != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if n := len(mgr.Layers()); n != 3 {
		t.Fatalf("expected 3 layer managers, got %d", n)
	}
	for _, l := range []*nn.Module{m.proj, m.out, m.conv} {
		lm, ok := LayerOf(l)
		if !ok || lm.Manager() != mgr {
			t.Fatalf("%s: expected layer manager owned by root manager", l.Class())
		}
	}
	if lm, _ := LayerOf(m.conv); lm.Kind() != policy.Conv {
		t.Fatalf("expected conv strategy, got %s", lm.Kind())
	}
	un := mgr.UnmanagedModules()
	if len(un) != 2 || un[0] != m.embed || un[1] != m.norm {
		t.Fatalf("expected unmanaged [embed norm], got %v", un)
	}
	if _, ok := m.root.Mover().(*Manager); !ok {
		t.Fatal("root mover must be the manager")
	}
	if got, ok := FromModule(m.root); !ok || got != mgr {
		t.Fatal("FromModule must return the attached manager")
	}
}

func TestAttachZeroFraction(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	mgr := must(Attach(m.root, tensor.NewAccelerator(0, 0), WithOffloadFraction(0)))

	if st := mgr.Stats(); st.Linear != 0 || st.Conv != 0 || st.Unmanaged != 5 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if n := len(mgr.Partition().UnmanagedBySampling); n != 3 {
		t.Fatalf("expected 3 sampled-out layers, got %d", n)
	}
	for _, l := range []*nn.Module{m.proj, m.out, m.conv} {
		if _, ok := LayerOf(l); ok {
			t.Fatalf("%s must not be managed", l.Class())
		}
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	dev := tensor.NewAccelerator(0, 0)
	first := must(Attach(m.root, dev))
	lm, _ := LayerOf(m.proj)

	second := must(Attach(m.root, dev, WithOffloadFraction(0)))
	if second != first {
		t.Fatal("second attach must return the existing manager")
	}
	if second.Stats() != first.Stats() || len(second.Layers()) != 3 {
		t.Fatalf("second attach changed state: %+v", second.Stats())
	}
	if again, _ := LayerOf(m.proj); again != lm {
		t.Fatal("layer manager must not be replaced")
	}
}

func TestAttachRejectsInvalidFraction(t *testing.T) {
	t.Parallel()

	for _, f := range []float64{-0.1, 1.5, math.NaN()} {
		m := newTestModel(t)
		_, err := Attach(m.root, tensor.NewAccelerator(0, 0), WithOffloadFraction(f))
		if !errors.Is(err, ErrInvalidOffloadFraction) {
			t.Fatalf("fraction %v: expected ErrInvalidOffloadFraction, got %v", f, err)
		}
		if _, ok := FromModule(m.root); ok {
			t.Fatalf("fraction %v: model must not carry a manager", f)
		}
		if _, ok := m.root.Mover().(*Manager); ok {
			t.Fatalf("fraction %v: mover must not be replaced", f)
		}
		if _, ok := LayerOf(m.proj); ok {
			t.Fatalf("fraction %v: layers must not be wrapped", f)
		}
	}
}

func TestAttachRequiresDevice(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	if _, err := Attach(m.root, nil); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestPartitionIsExclusive(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	mgr := must(Attach(m.root, tensor.NewAccelerator(0, 0), WithOffloadFraction(0.5)))
	p := mgr.Partition()

	seen := make(map[*nn.Module]int)
	for _, list := range [][]*nn.Module{
		p.Linear, p.Conv, p.UnmanagedByKind, p.UnmanagedBySampling, p.Excluded, p.Unclassified,
	} {
		for _, mod := range list {
			seen[mod]++
		}
	}
	all := m.root.NamedModules()
	if len(seen) != len(all) {
		t.Fatalf("expected %d modules partitioned, got %d", len(all), len(seen))
	}
	for _, nm := range all {
		if seen[nm.Module] != 1 {
			t.Fatalf("%q appears %d times", nm.Path, seen[nm.Module])
		}
	}
}

func TestPartialOffloadIsReproducible(t *testing.T) {
	t.Parallel()

	build := func() *nn.Module {
		root := nn.New("Stack")
		for i := range 20 {
			root.Add(string(rune('a'+i)), must(nn.NewLinear(2, 2, false, nil)))
		}
		return root
	}
	managed := func(root *nn.Module) []bool {
		_ = must(Attach(root, tensor.NewAccelerator(0, 0),
			WithOffloadFraction(0.5),
			WithRand(rand.New(rand.NewSource(42))),
		))
		var out []bool
		for _, c := range root.Children() {
			_, ok := LayerOf(c.Module)
			out = append(out, ok)
		}
		return out
	}

	a, b := managed(build()), managed(build())
	count := 0
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("layer %d: sampling differs between identical seeds", i)
		}
		if a[i] {
			count++
		}
	}
	if count == 0 || count == len(a) {
		t.Fatalf("expected a partial selection, got %d of %d", count, len(a))
	}
}

func TestManagedMoveCastsButKeepsLayersOnHost(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	dev := tensor.NewAccelerator(0, 0)
	_ = must(Attach(m.root, dev))

	if err := m.root.Move(nn.WithDevice(dev), nn.WithDType(tensor.DTypeF16)); err != nil {
		t.Fatalf("Move: %v", err)
	}
	for _, p := range m.root.Params() {
		if p.Data().DType() != tensor.DTypeF16 {
			t.Fatalf("expected every param in f16, got %s", p.Data().DType())
		}
	}
	for _, l := range []*nn.Module{m.proj, m.out, m.conv} {
		if !l.Device().IsHost() {
			t.Fatalf("%s must stay on host, got %s", l.Class(), l.Device())
		}
	}
	for _, l := range []*nn.Module{m.embed, m.norm} {
		if l.Device() != dev {
			t.Fatalf("%s must follow the move, got %s", l.Class(), l.Device())
		}
	}
}

func TestManagedMoveDeviceOnly(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	dev := tensor.NewAccelerator(0, 0)
	_ = must(Attach(m.root, dev))

	if err := m.root.Move(nn.WithDevice(dev)); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if !m.proj.Device().IsHost() || m.proj.DType() != tensor.DTypeF32 {
		t.Fatalf("managed layer changed: %s %s", m.proj.Device(), m.proj.DType())
	}
	if m.norm.Device() != dev {
		t.Fatalf("unmanaged layer must be on %s, got %s", dev, m.norm.Device())
	}
}

func TestExclusions(t *testing.T) {
	t.Parallel()

	fill := nn.NewInit(3)
	inner := must(nn.NewLinear(2, 2, true, fill))
	block := nn.New("Block").Add("inner", inner)
	pos := tensor.NewParam(must(tensor.FromFloat32([]float32{1, 2}, []int{2}, tensor.DTypeF32, tensor.Host())))
	root := nn.New("Model").Add("block", block).Add("head", must(nn.NewLinear(2, 2, false, fill)))
	root.AddParam("pos", pos)

	dev := tensor.NewAccelerator(0, 0)
	mgr := must(Attach(root, dev, WithExclude(block), WithExcludeParams(pos)))

	if _, ok := LayerOf(inner); ok {
		t.Fatal("layers under an excluded module must not be managed")
	}
	if st := mgr.Stats(); st.Linear != 1 || st.Unmanaged != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if ps := mgr.UnmanagedParams(); len(ps) != 1 || ps[0] != pos {
		t.Fatalf("expected excluded param tracked, got %v", ps)
	}

	if err := root.Move(nn.WithDevice(dev)); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if inner.Device() != dev {
		t.Fatalf("excluded block must move, got %s", inner.Device())
	}
	if pos.Data().Device() != dev {
		t.Fatalf("excluded param must move, got %s", pos.Data().Device())
	}
	if !root.Child("head").Device().IsHost() {
		t.Fatal("managed head must stay on host")
	}
}

func TestForwardFetchesAndRestores(t *testing.T) {
	t.Parallel()

	fill := nn.NewInit(11)
	build := func() *nn.Module {
		l1 := must(nn.NewLinear(4, 8, true, fill))
		ln := must(nn.NewLayerNorm(8))
		l2 := must(nn.NewLinear(8, 2, true, fill))
		return nn.NewSequential(l1, ln, nn.NewSiLU(), l2)
	}
	ref := build()
	fill = nn.NewInit(11)
	model := build()

	vals := []float32{0.5, -1, 2, 0.25, 1, 1, -0.5, 3}
	x := must(tensor.FromFloat32(vals, []int{2, 4}, tensor.DTypeF32, tensor.Host()))
	want := must(must(ref.Forward(x)).Float32())

	dev := tensor.NewAccelerator(0, 0)
	mgr := must(Attach(model, dev))
	if err := model.Move(nn.WithDevice(dev)); err != nil {
		t.Fatalf("Move: %v", err)
	}
	xd := must(x.To(dev, tensor.DTypeUnknown))
	y := must(model.Forward(xd))
	if y.Device() != dev {
		t.Fatalf("expected output on %s, got %s", dev, y.Device())
	}
	got := must(y.Float32())
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Fatalf("output %d: want %v, got %v", i, want[i], got[i])
		}
	}

	for _, lm := range mgr.Layers() {
		if lm.Fetches() != 1 || lm.FetchedBytes() == 0 {
			t.Fatalf("expected one fetch, got %d (%d bytes)", lm.Fetches(), lm.FetchedBytes())
		}
		if lm.Residency() != ResidentHost || !lm.Layer().Device().IsHost() {
			t.Fatal("weights must be back on host after forward")
		}
	}
	live := xd.Bytes() + y.Bytes() + model.Child("1").Bytes()
	if dev.Used() != live {
		t.Fatalf("expected only input, output and norm resident (%d bytes), got %d", live, dev.Used())
	}
}

func TestForwardResidency(t *testing.T) {
	t.Parallel()

	dev := tensor.NewAccelerator(0, 0)
	layer := must(nn.NewLinear(2, 2, true, nil))
	var during Residency
	var weightDev *tensor.Device
	layer.SetForward(nn.ForwardFunc(func(m *nn.Module, x *tensor.Tensor) (*tensor.Tensor, error) {
		lm, _ := LayerOf(m)
		during = lm.Residency()
		weightDev = m.Param("weight").Data().Device()
		return x.To(nil, tensor.DTypeF16)
	}))
	_ = must(Attach(nn.New("Model").Add("l", layer), dev))

	x := must(tensor.New([]int{1, 2}, tensor.DTypeF32, tensor.Host()))
	_ = must(layer.Forward(x))

	if during != ResidentDevice || weightDev != dev {
		t.Fatalf("expected weights on %s during forward, got %s (%s)", dev, weightDev, during)
	}
	lm, _ := LayerOf(layer)
	if lm.Residency() != ResidentHost || !layer.Device().IsHost() {
		t.Fatal("weights must be on host after forward")
	}
}

func TestForwardOutOfMemory(t *testing.T) {
	t.Parallel()

	dev := tensor.NewAccelerator(0, 16)
	layer := must(nn.NewLinear(4, 4, true, nn.NewInit(1)))
	_ = must(Attach(nn.New("Model").Add("l", layer), dev))
	before := layer.Param("weight").Data()

	x := must(tensor.New([]int{1, 4}, tensor.DTypeF32, dev))
	_, err := layer.Forward(x)
	if !errors.Is(err, tensor.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if layer.Param("weight").Data() != before || !layer.Device().IsHost() {
		t.Fatal("weights must be restored after a failed fetch")
	}
	if dev.Used() != x.Bytes() {
		t.Fatalf("partial copies must be released, %d bytes in use", dev.Used())
	}
	lm, _ := LayerOf(layer)
	if lm.Fetches() != 0 || lm.Residency() != ResidentHost {
		t.Fatalf("failed fetch must not count, got %d", lm.Fetches())
	}
}

func TestConvInputCheck(t *testing.T) {
	t.Parallel()

	conv := must(nn.NewConv2d(nn.Conv2dConfig{InChannels: 1, OutChannels: 1, Kernel: 1}, nil))
	_ = must(Attach(nn.New("Model").Add("c", conv), tensor.NewAccelerator(0, 0)))

	x := must(tensor.New([]int{1, 2, 2}, tensor.DTypeF32, tensor.Host()))
	if _, err := conv.Forward(x); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestAdapterAttachedOnce(t *testing.T) {
	t.Parallel()

	fill := nn.NewInit(5)
	down := must(nn.NewLinear(4, 1, false, fill))
	up := must(nn.NewLinear(1, 4, false, fill))
	adapter := nn.NewSequentialClass("LoRA", down, up)

	proj := must(nn.NewLinear(4, 4, false, fill))
	gate := must(nn.NewLinearClass("LoRACompatibleLinear", 4, 4, false, fill))
	proj.SetAdapter(adapter)
	gate.SetAdapter(adapter)
	root := nn.New("Model").Add("proj", proj).Add("gate", gate).Add("lora", adapter)

	mgr := must(Attach(root, tensor.NewAccelerator(0, 0)))

	am, ok := FromModule(adapter)
	if !ok || am == mgr {
		t.Fatal("adapter must carry its own manager")
	}
	if ads := mgr.Adapters(); len(ads) != 1 || ads[0] != am {
		t.Fatalf("expected the adapter attached once, got %d", len(ads))
	}
	if st := mgr.Stats(); st.Linear != 2 {
		t.Fatalf("root must manage proj and gate only, got %+v", st)
	}
	for _, l := range []*nn.Module{down, up} {
		lm, ok := LayerOf(l)
		if !ok || lm.Manager() != am {
			t.Fatal("adapter layers must be owned by the adapter manager")
		}
	}
	if len(am.Layers()) != 2 {
		t.Fatalf("expected 2 adapter layers, got %d", len(am.Layers()))
	}
}

func TestAdapterFollowsManagedMove(t *testing.T) {
	t.Parallel()

	norm := must(nn.NewLayerNorm(2))
	adapter := nn.New("LoRA").Add("norm", norm)
	proj := must(nn.NewLinear(2, 2, false, nil))
	proj.SetAdapter(adapter)
	root := nn.New("Model").Add("proj", proj)

	dev := tensor.NewAccelerator(0, 0)
	_ = must(Attach(root, dev))
	if err := root.Move(nn.WithDevice(dev)); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if norm.Device() != dev {
		t.Fatalf("adapter unmanaged modules must move, got %s", norm.Device())
	}
}

func TestAdapterBeforeItsLayer(t *testing.T) {
	t.Parallel()

	fill := nn.NewInit(3)
	down := must(nn.NewLinear(4, 1, false, fill))
	up := must(nn.NewLinear(1, 4, false, fill))
	adapter := nn.NewSequentialClass("LoRA", down, up)
	proj := must(nn.NewLinear(4, 4, false, fill))
	proj.SetAdapter(adapter)
	root := nn.New("Model").Add("lora", adapter).Add("proj", proj)

	mgr := must(Attach(root, tensor.NewAccelerator(0, 0)))

	am, ok := FromModule(adapter)
	if !ok || am == mgr {
		t.Fatal("adapter must carry its own manager")
	}
	if ads := mgr.Adapters(); len(ads) != 1 || ads[0] != am {
		t.Fatalf("expected one adapter manager, got %d", len(ads))
	}
	if st := mgr.Stats(); st.Linear != 1 {
		t.Fatalf("root must manage proj only, got %+v", st)
	}
	for _, l := range []*nn.Module{down, up} {
		if lm, ok := LayerOf(l); !ok || lm.Manager() != am {
			t.Fatal("adapter layers must be owned by the adapter manager")
		}
	}
}

func TestAdapterNotAttachedForUnmanagedLayer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(proj *nn.Module) []Option
	}{
		{"sampled out", func(*nn.Module) []Option {
			return []Option{WithOffloadFraction(0)}
		}},
		{"managed elsewhere", func(proj *nn.Module) []Option {
			_ = must(Attach(nn.New("Other").Add("proj", proj), tensor.NewAccelerator(1, 0)))
			return nil
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fill := nn.NewInit(4)
			down := must(nn.NewLinear(4, 1, false, fill))
			up := must(nn.NewLinear(1, 4, false, fill))
			adapter := nn.NewSequentialClass("LoRA", down, up)
			proj := must(nn.NewLinear(4, 4, false, fill))
			opts := tc.setup(proj)
			proj.SetAdapter(adapter)
			root := nn.New("Model").Add("proj", proj).Add("lora", adapter)

			mgr := must(Attach(root, tensor.NewAccelerator(0, 0), opts...))
			if n := len(mgr.Adapters()); n != 0 {
				t.Fatalf("expected no adapter managers, got %d", n)
			}
			if _, ok := FromModule(adapter); ok {
				t.Fatal("adapter of an unmanaged layer must not be attached")
			}
			// The adapter's own layers are classified by the root pass.
			for _, l := range []*nn.Module{down, up} {
				lm, ok := LayerOf(l)
				if tc.name == "sampled out" && ok {
					t.Fatal("sampled out adapter layers must stay unmanaged")
				}
				if tc.name == "managed elsewhere" && (!ok || lm.Manager() != mgr) {
					t.Fatal("adapter layers must be managed by the root")
				}
			}
		})
	}
}

func TestManagedLayerUnderUnmanagedParent(t *testing.T) {
	t.Parallel()

	shift := tensor.NewParam(must(tensor.New([]int{4}, tensor.DTypeF32, tensor.Host())))
	lin := must(nn.NewLinear(4, 4, true, nn.NewInit(9)))
	block := nn.New("AdaLayerNormZero").AddParam("shift", shift).Add("linear", lin)
	root := nn.New("Model").Add("norm1", block)

	dev := tensor.NewAccelerator(0, 0)
	mgr := must(Attach(root, dev))
	if _, ok := LayerOf(lin); !ok {
		t.Fatal("linear under a norm block must be managed")
	}
	if un := mgr.UnmanagedModules(); len(un) != 1 || un[0] != block {
		t.Fatalf("expected the norm block unmanaged, got %v", un)
	}

	for _, opts := range [][]nn.MoveOption{
		{nn.WithDevice(dev)},
		{nn.WithDevice(dev), nn.WithDType(tensor.DTypeF16)},
	} {
		if err := root.Move(opts...); err != nil {
			t.Fatalf("Move: %v", err)
		}
		if shift.Data().Device() != dev {
			t.Fatalf("unmanaged param must follow the move, got %s", shift.Data().Device())
		}
		for _, name := range []string{"weight", "bias"} {
			if d := lin.Param(name).Data().Device(); d != tensor.Host() {
				t.Fatalf("managed %s must stay on host, got %s", name, d)
			}
		}
	}
	if dt := lin.Param("weight").Data().DType(); dt != tensor.DTypeF16 {
		t.Fatalf("managed weight must still be cast, got %s", dt)
	}

	x := must(tensor.New([]int{1, 4}, tensor.DTypeF16, dev))
	y, err := lin.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if y.Device() != dev || lin.Param("weight").Data().Device() != tensor.Host() {
		t.Fatal("forward must fetch onto the device and return weights to host")
	}
}
