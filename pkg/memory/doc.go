// Package memory keeps the weights of offload-eligible layers on the host and
// copies them onto the target device only for the duration of a forward call.
//
//   - manager.go: Attach, the Manager and its single classification pass.
//   - move.go: the managed device move installed on the model root.
//   - layer.go: LayerManager, the per-layer just-in-time fetch.
//   - options.go: attach options.
//   - errors.go: sentinel errors.
//
// Attach changes the model in two places only: the root's Mover is replaced
// by the Manager, and the Forwarder of every managed layer is replaced by its
// LayerManager. The original move operation stays reachable through
// Manager.Native so real transfers are still possible.
//
// Nothing in this package locks. Attach is expected to run once at model build
// time, before any forward pass, and forward passes are expected to run one at
// a time.
package memory
