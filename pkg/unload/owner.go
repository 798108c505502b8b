package unload

import (
	"strconv"

	"github.com/samcharles93/offload/pkg/tensor"
)

// Slot is a named component holder that stores either one component or an
// ordered list of them.
type Slot struct {
	items []Component
	list  bool
}

func Single(c Component) Slot { return Slot{items: []Component{c}} }

func List(cs ...Component) Slot {
	return Slot{items: append([]Component(nil), cs...), list: true}
}

func (s Slot) IsList() bool { return s.list }

func (s Slot) Len() int { return len(s.items) }

// At returns entry i, or nil when i is out of range.
func (s Slot) At(i int) Component {
	if i < 0 || i >= len(s.items) {
		return nil
	}
	return s.items[i]
}

// Single returns the only component of a single slot, or the first entry of a list.
func (s Slot) Single() Component { return s.At(0) }

func (s Slot) Items() []Component { return append([]Component(nil), s.items...) }

// Owner is the model object that holds named components.
type Owner interface {
	// Device and DType describe the model, and are what placeholders report.
	Device() *tensor.Device
	DType() tensor.DType
	Slot(name string) (Slot, bool)
	SetSlot(name string, s Slot)
}

// PipelineOwner is an Owner with an associated pipeline object.
type PipelineOwner interface {
	Pipeline() (Pipeline, bool)
}

// Pipeline addresses list members by numbered names: name, name_2, name_3, ...
type Pipeline interface {
	Component(name string) (Component, bool)
	SetComponent(name string, c Component)
}

// TokenizerHolder is implemented by owners and pipelines that keep tokenizers.
type TokenizerHolder interface {
	HasTokenizer() bool
	DropTokenizer()
}

// ConnectorHolder is implemented by pipelines with auxiliary text connector
// modules.
type ConnectorHolder interface {
	Connectors() (Component, bool)
	DropConnectors()
}

// SlotName returns the pipeline name of list entry i.
func SlotName(name string, i int) string {
	if i == 0 {
		return name
	}
	return name + "_" + strconv.Itoa(i+1)
}

func pipelineOf(owner Owner) (Pipeline, bool) {
	po, ok := owner.(PipelineOwner)
	if !ok {
		return nil, false
	}
	p, ok := po.Pipeline()
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}
