package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/offload/pkg/tensor"
)

// weights fetches the named params of m, rejecting cleared storage.
// Optional params that are absent come back nil.
func weights(m *Module, required []string, optional ...string) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(required)+len(optional))
	for _, name := range required {
		p := m.Param(name)
		if p == nil || p.Cleared() {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingParam, m.class, name)
		}
		out[name] = p.Data()
	}
	for _, name := range optional {
		if p := m.Param(name); p != nil && !p.Cleared() {
			out[name] = p.Data()
		}
	}
	return out, nil
}

func checkDevice(x *tensor.Tensor, ws map[string]*tensor.Tensor) error {
	for name, w := range ws {
		if w.Device() != x.Device() {
			return fmt.Errorf("%w: input on %s, %s on %s", tensor.ErrDeviceMismatch, x.Device(), name, w.Device())
		}
	}
	return nil
}

func decodeAll(ts ...*tensor.Tensor) ([][]float32, error) {
	out := make([][]float32, len(ts))
	for i, t := range ts {
		if t == nil {
			continue
		}
		v, err := t.Float32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// output encodes vals like x: same device, same dtype.
func output(x *tensor.Tensor, shape []int, vals []float32) (*tensor.Tensor, error) {
	return tensor.FromFloat32(vals, shape, x.DType(), x.Device())
}

func linearForward(m *Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	ws, err := weights(m, []string{"weight"}, "bias")
	if err != nil {
		return nil, err
	}
	if err := checkDevice(x, ws); err != nil {
		return nil, err
	}
	w := ws["weight"]
	out, in := w.Dim(0), w.Dim(1)
	if x.Dim(-1) != in {
		return nil, fmt.Errorf("%w: %s expects last dim %d, got %v", tensor.ErrShape, m.class, in, x.Shape())
	}
	v, err := decodeAll(x, w, ws["bias"])
	if err != nil {
		return nil, err
	}
	xv, wv, bv := v[0], v[1], v[2]
	rows := len(xv) / in
	y := make([]float32, rows*out)
	for r := 0; r < rows; r++ {
		xr := xv[r*in : (r+1)*in]
		for o := 0; o < out; o++ {
			wr := wv[o*in : (o+1)*in]
			var sum float32
			for i := range xr {
				sum += xr[i] * wr[i]
			}
			if bv != nil {
				sum += bv[o]
			}
			y[r*out+o] = sum
		}
	}
	shape := x.Shape()
	shape[len(shape)-1] = out
	return output(x, shape, y)
}

type convGeometry struct {
	stride, padding int
}

func (g convGeometry) Forward(m *Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	ws, err := weights(m, []string{"weight"}, "bias")
	if err != nil {
		return nil, err
	}
	if err := checkDevice(x, ws); err != nil {
		return nil, err
	}
	w := ws["weight"]
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%w: %s expects NCHW input, got %v", tensor.ErrShape, m.class, x.Shape())
	}
	n, c, h, wd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	oc, ic, kh, kw := w.Dim(0), w.Dim(1), w.Dim(2), w.Dim(3)
	if c != ic {
		return nil, fmt.Errorf("%w: %s expects %d channels, got %d", tensor.ErrShape, m.class, ic, c)
	}
	oh := (h+2*g.padding-kh)/g.stride + 1
	ow := (wd+2*g.padding-kw)/g.stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: %s kernel larger than padded input %v", tensor.ErrShape, m.class, x.Shape())
	}
	v, err := decodeAll(x, w, ws["bias"])
	if err != nil {
		return nil, err
	}
	xv, wv, bv := v[0], v[1], v[2]
	y := make([]float32, n*oc*oh*ow)
	for b := 0; b < n; b++ {
		for o := 0; o < oc; o++ {
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					var sum float32
					if bv != nil {
						sum = bv[o]
					}
					for ch := 0; ch < c; ch++ {
						for ki := 0; ki < kh; ki++ {
							yi := i*g.stride + ki - g.padding
							if yi < 0 || yi >= h {
								continue
							}
							for kj := 0; kj < kw; kj++ {
								xj := j*g.stride + kj - g.padding
								if xj < 0 || xj >= wd {
									continue
								}
								sum += xv[((b*c+ch)*h+yi)*wd+xj] * wv[((o*ic+ch)*kh+ki)*kw+kj]
							}
						}
					}
					y[((b*oc+o)*oh+i)*ow+j] = sum
				}
			}
		}
	}
	return output(x, []int{n, oc, oh, ow}, y)
}

type normKind int

const (
	normLayer normKind = iota
	normRMS
)

type norm struct {
	kind normKind
	eps  float32
}

func (nm norm) Forward(m *Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	ws, err := weights(m, []string{"weight"}, "bias")
	if err != nil {
		return nil, err
	}
	if err := checkDevice(x, ws); err != nil {
		return nil, err
	}
	dim := ws["weight"].Numel()
	if x.Dim(-1) != dim {
		return nil, fmt.Errorf("%w: %s expects last dim %d, got %v", tensor.ErrShape, m.class, dim, x.Shape())
	}
	v, err := decodeAll(x, ws["weight"], ws["bias"])
	if err != nil {
		return nil, err
	}
	xv, wv, bv := v[0], v[1], v[2]
	y := make([]float32, len(xv))
	for r := 0; r < len(xv)/dim; r++ {
		row := xv[r*dim : (r+1)*dim]
		var mean, sq float64
		if nm.kind == normLayer {
			for _, e := range row {
				mean += float64(e)
			}
			mean /= float64(dim)
		}
		for _, e := range row {
			d := float64(e) - mean
			sq += d * d
		}
		inv := float32(1 / math.Sqrt(sq/float64(dim)+float64(nm.eps)))
		for i, e := range row {
			val := (e - float32(mean)) * inv * wv[i]
			if bv != nil {
				val += bv[i]
			}
			y[r*dim+i] = val
		}
	}
	return output(x, x.Shape(), y)
}

type groupNorm struct {
	groups int
	eps    float32
}

func (g groupNorm) Forward(m *Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	ws, err := weights(m, []string{"weight"}, "bias")
	if err != nil {
		return nil, err
	}
	if err := checkDevice(x, ws); err != nil {
		return nil, err
	}
	if x.Rank() < 2 || x.Dim(1)%g.groups != 0 || x.Dim(1) != ws["weight"].Numel() {
		return nil, fmt.Errorf("%w: %s with %d groups cannot normalize %v", tensor.ErrShape, m.class, g.groups, x.Shape())
	}
	v, err := decodeAll(x, ws["weight"], ws["bias"])
	if err != nil {
		return nil, err
	}
	xv, wv, bv := v[0], v[1], v[2]
	n, c := x.Dim(0), x.Dim(1)
	spatial := len(xv) / (n * c)
	per := c / g.groups
	y := make([]float32, len(xv))
	for b := 0; b < n; b++ {
		for grp := 0; grp < g.groups; grp++ {
			start := (b*c + grp*per) * spatial
			seg := xv[start : start+per*spatial]
			var mean, sq float64
			for _, e := range seg {
				mean += float64(e)
			}
			mean /= float64(len(seg))
			for _, e := range seg {
				d := float64(e) - mean
				sq += d * d
			}
			inv := float32(1 / math.Sqrt(sq/float64(len(seg))+float64(g.eps)))
			for k, e := range seg {
				ch := grp*per + k/spatial
				val := (e - float32(mean)) * inv * wv[ch]
				if bv != nil {
					val += bv[ch]
				}
				y[start+k] = val
			}
		}
	}
	return output(x, x.Shape(), y)
}

func embeddingForward(m *Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	ws, err := weights(m, []string{"weight"})
	if err != nil {
		return nil, err
	}
	if err := checkDevice(x, ws); err != nil {
		return nil, err
	}
	w := ws["weight"]
	vocab, dim := w.Dim(0), w.Dim(1)
	v, err := decodeAll(x, w)
	if err != nil {
		return nil, err
	}
	ids, table := v[0], v[1]
	y := make([]float32, len(ids)*dim)
	for i, f := range ids {
		id := int(f)
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("%w: token id %d outside vocab %d", tensor.ErrShape, id, vocab)
		}
		copy(y[i*dim:(i+1)*dim], table[id*dim:(id+1)*dim])
	}
	return output(x, append(x.Shape(), dim), y)
}

type rotary struct {
	base float64
}

// Forward rotates consecutive feature pairs by position-dependent angles,
// treating the second-to-last dimension as the sequence axis.
func (r rotary) Forward(m *Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	dim := x.Dim(-1)
	if dim%2 != 0 || x.Rank() < 2 {
		return nil, fmt.Errorf("%w: %s needs an even feature dim and a sequence axis, got %v", tensor.ErrShape, m.class, x.Shape())
	}
	seq := x.Dim(-2)
	xv, err := x.Float32()
	if err != nil {
		return nil, err
	}
	y := make([]float32, len(xv))
	for row := 0; row < len(xv)/dim; row++ {
		pos := float64(row % seq)
		for i := 0; i < dim; i += 2 {
			theta := pos / math.Pow(r.base, float64(i)/float64(dim))
			sin, cos := math.Sincos(theta)
			a, b := float64(xv[row*dim+i]), float64(xv[row*dim+i+1])
			y[row*dim+i] = float32(a*cos - b*sin)
			y[row*dim+i+1] = float32(a*sin + b*cos)
		}
	}
	return output(x, x.Shape(), y)
}

func siluForward(_ *Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	xv, err := x.Float32()
	if err != nil {
		return nil, err
	}
	for i, e := range xv {
		xv[i] = e / (1 + float32(math.Exp(float64(-e))))
	}
	return output(x, x.Shape(), xv)
}

// sequentialForward feeds each child's output into the next and releases
// intermediate activations once consumed. The caller's input is never released.
func sequentialForward(m *Module, x *tensor.Tensor) (*tensor.Tensor, error) {
	cur := x
	for _, c := range m.children {
		next, err := c.module.Forward(cur)
		if cur != x && cur != next {
			cur.Release()
		}
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", m.class, c.name, err)
		}
		cur = next
	}
	return cur, nil
}
