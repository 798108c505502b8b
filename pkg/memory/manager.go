package memory

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/policy"
	"github.com/samcharles93/offload/pkg/tensor"
)

type managerKey struct{}

// Stats counts what one attach pass did. Unmanaged includes exclusions.
type Stats struct {
	Linear    int
	Conv      int
	Unmanaged int
}

// Partition records where every module visited by attach ended up.
// A module appears in exactly one list.
type Partition struct {
	Linear              []*nn.Module
	Conv                []*nn.Module
	UnmanagedByKind     []*nn.Module
	UnmanagedBySampling []*nn.Module
	Excluded            []*nn.Module
	Unclassified        []*nn.Module
}

// unmanagedEntry is either a module moved through its own mover or a bare
// param moved by replacing its storage.
type unmanagedEntry struct {
	module *nn.Module
	param  *tensor.Param
}

// Manager is the memory-management state of one model root.
type Manager struct {
	id        uuid.UUID
	root      *nn.Module
	device    *tensor.Device
	native    nn.Mover
	unmanaged []unmanagedEntry
	layers    []*LayerManager
	adapters  []*Manager
	partition Partition
	stats     Stats
	log       logger.Logger
}

// FromModule returns the manager attached to m, if any.
func FromModule(m *nn.Module) (*Manager, bool) {
	mgr, ok := m.Value(managerKey{}).(*Manager)
	return mgr, ok
}

// Attach puts model under memory management for device.
//
// Every module in the tree is classified once. Eligible layers get a
// LayerManager (subject to the offload fraction), always-unmanaged kinds and
// exclusions are moved with the model, and everything else is left alone.
// Layers carrying an adapter network cause that network to be attached too.
//
// Attaching a model that already has a manager returns the existing manager.
func Attach(model *nn.Module, device *tensor.Device, opts ...Option) (*Manager, error) {
	o := newOptions(opts)
	if math.IsNaN(o.fraction) || o.fraction < 0 || o.fraction > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidOffloadFraction, o.fraction)
	}
	if device == nil {
		return nil, ErrNoDevice
	}
	if mgr, ok := FromModule(model); ok {
		o.log.Debug("memory manager already attached, skipping",
			"module", model.Class(), "manager", mgr.id)
		return mgr, nil
	}
	return attach(model, device, o)
}

func attach(model *nn.Module, device *tensor.Device, o options) (*Manager, error) {
	vlog := o.log
	if !o.verbose {
		vlog = logger.Discard()
	}

	mgr := &Manager{
		id:     uuid.New(),
		root:   model,
		device: device,
		log:    o.log,
	}
	vlog = vlog.With("module", model.Class(), "manager", mgr.id)
	vlog.Info("attaching memory manager", "device", device, "offload_fraction", o.fraction)

	model.SetValue(managerKey{}, mgr)
	mgr.native = model.SetMover(mgr)

	processed := make(map[*nn.Module]struct{})
	markSubtree := func(m *nn.Module) {
		for _, nm := range m.NamedModules() {
			processed[nm.Module] = struct{}{}
		}
	}

	for _, m := range o.exclude {
		mgr.unmanaged = append(mgr.unmanaged, unmanagedEntry{module: m})
		mgr.partition.Excluded = append(mgr.partition.Excluded, m)
		markSubtree(m)
	}
	for _, p := range o.excludeParams {
		mgr.unmanaged = append(mgr.unmanaged, unmanagedEntry{param: p})
	}
	mgr.stats.Unmanaged = len(o.exclude) + len(o.excludeParams)
	vlog.Info("registered exclusions", "modules", len(o.exclude), "params", len(o.excludeParams))

	// Adapter networks reachable from eligible layers are attached by their
	// own manager, so their subtrees are held back from this pass. A held
	// back subtree whose adapter never attaches is classified afterwards.
	reserved := make(map[*nn.Module]*nn.Module)
	for _, nm := range model.NamedModules() {
		if _, ok := processed[nm.Module]; ok || !policy.Classify(nm.Module.Class()).Eligible() {
			continue
		}
		adapter, ok := nm.Module.Adapter()
		if !ok || adapter == model {
			continue
		}
		for _, an := range adapter.NamedModules() {
			if _, taken := reserved[an.Module]; !taken {
				reserved[an.Module] = adapter
			}
		}
	}

	attached := make(map[*nn.Module]struct{})
	visit := func(nm nn.NamedModule) error {
		m := nm.Module
		if _, ok := processed[m]; ok {
			return nil
		}
		processed[m] = struct{}{}

		class := policy.Classify(m.Class())
		switch {
		case class.Eligible():
			managed, err := mgr.classifyEligible(m, nm.Path, class, o)
			if err != nil || !managed {
				return err
			}
			adapter, ok := m.Adapter()
			if !ok || adapter == model {
				return nil
			}
			if _, done := attached[adapter]; done {
				return nil
			}
			ao := o
			ao.fraction = 1
			ao.exclude, ao.excludeParams = nil, nil
			am, err := Attach(adapter, device, func(x *options) { *x = ao })
			if err != nil {
				return fmt.Errorf("attach adapter of %q: %w", nm.Path, err)
			}
			attached[adapter] = struct{}{}
			mgr.adapters = append(mgr.adapters, am)
			markSubtree(adapter)
		case class == policy.Unmanaged:
			mgr.addUnmanaged(m)
			mgr.partition.UnmanagedByKind = append(mgr.partition.UnmanagedByKind, m)
		default:
			mgr.partition.Unclassified = append(mgr.partition.Unclassified, m)
		}
		return nil
	}

	var held []nn.NamedModule
	for _, nm := range model.NamedModules() {
		if _, ok := reserved[nm.Module]; ok {
			held = append(held, nm)
			continue
		}
		if err := visit(nm); err != nil {
			mgr.rollback()
			return nil, err
		}
	}
	for _, nm := range held {
		if _, ok := attached[reserved[nm.Module]]; ok {
			continue
		}
		if err := visit(nm); err != nil {
			mgr.rollback()
			return nil, err
		}
	}

	vlog.Info("memory manager attached",
		"linear", mgr.stats.Linear,
		"conv", mgr.stats.Conv,
		"unmanaged", mgr.stats.Unmanaged,
	)
	return mgr, nil
}

// classifyEligible samples an eligible layer and either puts it under
// per-layer management or moves it to the unmanaged list. It reports whether
// the layer is now managed by mgr.
func (mgr *Manager) classifyEligible(m *nn.Module, path string, class policy.Class, o options) (bool, error) {
	if _, ok := LayerOf(m); ok {
		// Shared with a graph that is already managed.
		mgr.partition.Unclassified = append(mgr.partition.Unclassified, m)
		return false, nil
	}
	if o.fraction < 1 && o.rng.Float64() >= o.fraction {
		mgr.addUnmanaged(m)
		mgr.partition.UnmanagedBySampling = append(mgr.partition.UnmanagedBySampling, m)
		return false, nil
	}
	if _, err := attachLayer(m, class, mgr); err != nil {
		return false, fmt.Errorf("attach %s %q: %w", class, path, err)
	}
	if class == policy.Linear {
		mgr.stats.Linear++
		mgr.partition.Linear = append(mgr.partition.Linear, m)
	} else {
		mgr.stats.Conv++
		mgr.partition.Conv = append(mgr.partition.Conv, m)
	}
	return true, nil
}

func (mgr *Manager) addUnmanaged(m *nn.Module) {
	mgr.unmanaged = append(mgr.unmanaged, unmanagedEntry{module: m})
	mgr.stats.Unmanaged++
}

// rollback undoes a partially completed attach on the root and its layers.
// Adapters attached along the way keep their own managers.
func (mgr *Manager) rollback() {
	for _, l := range mgr.layers {
		l.detach()
	}
	mgr.root.SetMover(mgr.native)
	mgr.root.SetValue(managerKey{}, nil)
}

// ID identifies the manager in logs and reports.
func (mgr *Manager) ID() uuid.UUID { return mgr.id }

// Root returns the module the manager is attached to.
func (mgr *Manager) Root() *nn.Module { return mgr.root }

// Device returns the device managed layers are fetched onto.
func (mgr *Manager) Device() *tensor.Device { return mgr.device }

// Native returns the move operation that was installed before attach.
func (mgr *Manager) Native() nn.Mover { return mgr.native }

// Adapters returns the managers attached to adapter networks found on
// managed layers.
func (mgr *Manager) Adapters() []*Manager {
	return append([]*Manager(nil), mgr.adapters...)
}

// Stats returns the counts recorded by attach.
func (mgr *Manager) Stats() Stats { return mgr.stats }

// Partition returns where attach placed each visited module.
func (mgr *Manager) Partition() Partition { return mgr.partition }

// Layers returns the per-layer managers in traversal order.
func (mgr *Manager) Layers() []*LayerManager {
	return append([]*LayerManager(nil), mgr.layers...)
}

// UnmanagedModules returns the modules moved wholesale by the managed move.
func (mgr *Manager) UnmanagedModules() []*nn.Module {
	var out []*nn.Module
	for _, u := range mgr.unmanaged {
		if u.module != nil {
			out = append(out, u.module)
		}
	}
	return out
}

// UnmanagedParams returns the bare params moved by the managed move.
func (mgr *Manager) UnmanagedParams() []*tensor.Param {
	var out []*tensor.Param
	for _, u := range mgr.unmanaged {
		if u.param != nil {
			out = append(out, u.param)
		}
	}
	return out
}
