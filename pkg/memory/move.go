package memory

import (
	"fmt"

	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/tensor"
)

// Move is the managed device move installed on the model root.
//
// Unmanaged modules and params follow the request in full. Managed layers
// are only ever cast: when args carries a dtype the original move runs over
// the whole tree with the device stripped, so managed weights stay on the
// host and are fetched per call. A device-only request leaves them alone.
func (mgr *Manager) Move(_ *nn.Module, args nn.MoveArgs) error {
	for _, u := range mgr.unmanaged {
		switch {
		case u.param != nil:
			if err := u.param.MoveTo(args.Device, args.DType); err != nil {
				return fmt.Errorf("move unmanaged param: %w", err)
			}
		case u.module == mgr.root:
			if err := moveUnmanaged(u.module, mgr.native, args); err != nil {
				return err
			}
		default:
			if err := moveUnmanaged(u.module, u.module.Mover(), args); err != nil {
				return fmt.Errorf("move unmanaged %s: %w", u.module.Class(), err)
			}
		}
	}
	for _, am := range mgr.adapters {
		if err := am.Move(am.root, args); err != nil {
			return fmt.Errorf("move adapter %s: %w", am.root.Class(), err)
		}
	}
	if !args.HasDType() {
		return nil
	}
	mgr.log.Debug("casting managed model", "module", mgr.root.Class(), "dtype", args.DType)
	return mgr.native.Move(mgr.root, nn.MoveArgs{DType: args.DType})
}

// moveUnmanaged moves m with mv unless managed layers or other managers live
// below it. In that case only the params they do not own are moved, so
// managed weights keep their host storage.
func moveUnmanaged(m *nn.Module, mv nn.Mover, args nn.MoveArgs) error {
	skip := make(map[*tensor.Param]struct{})
	for _, nm := range m.NamedModules() {
		if nm.Module == m {
			continue
		}
		if _, ok := FromModule(nm.Module); ok {
			for _, p := range nm.Module.Params() {
				skip[p] = struct{}{}
			}
			continue
		}
		if _, ok := LayerOf(nm.Module); ok {
			for _, p := range nm.Module.OwnParams() {
				skip[p] = struct{}{}
			}
		}
	}
	if len(skip) == 0 {
		return mv.Move(m, args)
	}
	for _, p := range m.Params() {
		if _, ok := skip[p]; ok {
			continue
		}
		if err := p.MoveTo(args.Device, args.DType); err != nil {
			return err
		}
	}
	return nil
}
