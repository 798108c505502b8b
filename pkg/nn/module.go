// Package nn provides the module tree the memory managers operate on.
//
// A Module is a node with a class-kind string, ordered named children and
// ordered named parameters. Pointer identity is the node identity. Two
// strategies hang off every module and can be replaced by assignment:
// the Mover (the current device-move operation) and the Forwarder (the
// current forward computation).
package nn

import (
	"fmt"
	"strings"

	"github.com/samcharles93/offload/pkg/tensor"
)

type namedModule struct {
	name   string
	module *Module
}

type namedParam struct {
	name  string
	param *tensor.Param
}

// NamedModule pairs a module with its dotted path from the traversal root.
type NamedModule struct {
	Path   string
	Module *Module
}

type Module struct {
	class    string
	children []namedModule
	params   []namedParam
	mover    Mover
	forward  Forwarder
	adapter  *Module
	values   map[any]any
}

// New returns an empty module of the given class-kind using the native mover.
func New(class string) *Module {
	return &Module{class: class, mover: Native}
}

// Class returns the class-kind the policy table classifies.
func (m *Module) Class() string { return m.class }

// Add appends a child under name and returns m for chaining.
// Adding a name twice replaces the earlier child.
func (m *Module) Add(name string, child *Module) *Module {
	m.Set(name, child)
	return m
}

// Set installs child under name, replacing any existing entry in place.
// A nil child removes the entry.
func (m *Module) Set(name string, child *Module) {
	for i := range m.children {
		if m.children[i].name != name {
			continue
		}
		if child == nil {
			m.children = append(m.children[:i], m.children[i+1:]...)
			return
		}
		m.children[i].module = child
		return
	}
	if child != nil {
		m.children = append(m.children, namedModule{name: name, module: child})
	}
}

// Child returns the direct child called name, or nil.
func (m *Module) Child(name string) *Module {
	for _, c := range m.children {
		if c.name == name {
			return c.module
		}
	}
	return nil
}

// Children returns the direct children in insertion order.
func (m *Module) Children() []NamedModule {
	out := make([]NamedModule, len(m.children))
	for i, c := range m.children {
		out[i] = NamedModule{Path: c.name, Module: c.module}
	}
	return out
}

// Get resolves a dotted path relative to m. The empty path is m itself.
func (m *Module) Get(path string) (*Module, error) {
	cur := m
	if path == "" {
		return cur, nil
	}
	for _, part := range strings.Split(path, ".") {
		next := cur.Child(part)
		if next == nil {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchModule, path)
		}
		cur = next
	}
	return cur, nil
}

// AddParam registers p under name, replacing an existing param of that name.
func (m *Module) AddParam(name string, p *tensor.Param) *Module {
	for i := range m.params {
		if m.params[i].name == name {
			m.params[i].param = p
			return m
		}
	}
	m.params = append(m.params, namedParam{name: name, param: p})
	return m
}

// Param returns the direct param called name, or nil.
func (m *Module) Param(name string) *tensor.Param {
	for _, p := range m.params {
		if p.name == name {
			return p.param
		}
	}
	return nil
}

// OwnParams returns the params registered directly on m.
func (m *Module) OwnParams() []*tensor.Param {
	out := make([]*tensor.Param, 0, len(m.params))
	for _, p := range m.params {
		out = append(out, p.param)
	}
	return out
}

// Params returns every param in the subtree, each distinct param once.
func (m *Module) Params() []*tensor.Param {
	seen := make(map[*tensor.Param]struct{})
	var out []*tensor.Param
	for _, nm := range m.NamedModules() {
		for _, p := range nm.Module.params {
			if _, ok := seen[p.param]; ok {
				continue
			}
			seen[p.param] = struct{}{}
			out = append(out, p.param)
		}
	}
	return out
}

// NamedModules walks the subtree depth-first, root first with an empty path.
// A module reachable through several parents is reported once, under the
// first path it was found on.
func (m *Module) NamedModules() []NamedModule {
	seen := make(map[*Module]struct{})
	var out []NamedModule
	var walk func(prefix string, n *Module)
	walk = func(prefix string, n *Module) {
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, NamedModule{Path: prefix, Module: n})
		for _, c := range n.children {
			p := c.name
			if prefix != "" {
				p = prefix + "." + c.name
			}
			walk(p, c.module)
		}
	}
	walk("", m)
	return out
}

// Device reports where the first param lives; paramless modules report host.
func (m *Module) Device() *tensor.Device {
	for _, p := range m.Params() {
		if t := p.Data(); t != nil {
			return t.Device()
		}
	}
	return tensor.Host()
}

// DType reports the first param's dtype; paramless modules report f32.
func (m *Module) DType() tensor.DType {
	for _, p := range m.Params() {
		if t := p.Data(); t != nil {
			return t.DType()
		}
	}
	return tensor.DTypeF32
}

// Bytes sums the storage of every param in the subtree.
func (m *Module) Bytes() int64 {
	var n int64
	for _, p := range m.Params() {
		n += p.Bytes()
	}
	return n
}

// SetAdapter records a low-rank adapter network associated with m.
func (m *Module) SetAdapter(a *Module) { m.adapter = a }

// Adapter returns the associated adapter network, if any.
func (m *Module) Adapter() (*Module, bool) { return m.adapter, m.adapter != nil }

// SetValue stores v under key. Keys should be unexported types owned by the
// caller's package, the same way context keys are.
func (m *Module) SetValue(key, v any) {
	if m.values == nil {
		m.values = make(map[any]any)
	}
	m.values[key] = v
}

func (m *Module) Value(key any) any { return m.values[key] }

func (m *Module) String() string { return m.class }
