package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/samcharles93/offload/internal/hostmem"
	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/internal/toy"
	"github.com/samcharles93/offload/pkg/memory"
	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/tensor"
	"github.com/samcharles93/offload/pkg/unload"
)

// SimulateConfig drives one offload simulation over a toy denoiser.
type SimulateConfig struct {
	Device          string             `json:"device"`
	DeviceMemory    int64              `json:"device_memory_bytes"`
	DType           string             `json:"dtype"`
	OffloadFraction float64            `json:"offload_fraction"`
	Seed            int64              `json:"seed"`
	Steps           int                `json:"steps"`
	Batch           int                `json:"batch"`
	Exclude         []string           `json:"exclude"`
	Denoiser        toy.DenoiserConfig `json:"denoiser"`
	Verbose         bool               `json:"verbose"`
}

func DefaultSimulate() SimulateConfig {
	return SimulateConfig{
		Device:          "cuda:0",
		OffloadFraction: 1,
		Seed:            memory.DefaultSeed,
		Steps:           1,
		Batch:           1,
		Denoiser:        toy.DefaultDenoiser(),
	}
}

type SimulateReport struct {
	Manager        string         `json:"manager_id"`
	Device         string         `json:"device"`
	DType          string         `json:"dtype"`
	Linear         int            `json:"linear_layers"`
	Conv           int            `json:"conv_layers"`
	Unmanaged      int            `json:"unmanaged"`
	SampledOut     int            `json:"sampled_out"`
	Excluded       int            `json:"excluded"`
	Adapters       int            `json:"adapters"`
	AdapterLayers  int            `json:"adapter_layers"`
	Steps          int            `json:"steps"`
	Fetches        int            `json:"fetches"`
	FetchedBytes   int64          `json:"fetched_bytes"`
	ModelBytes     int64          `json:"model_bytes"`
	OffloadedBytes int64          `json:"offloaded_bytes"`
	DevicePeak     int64          `json:"device_peak_bytes"`
	DeviceResident int64          `json:"device_resident_bytes"`
	DeviceReserved int64          `json:"device_reserved_bytes"`
	Host           *hostmem.Stats `json:"host,omitempty"`
	OutputShape    []int          `json:"output_shape"`
}

// Simulate builds a denoiser, attaches the memory manager on the configured
// device, optionally casts it through the managed move and runs forward steps.
func Simulate(ctx context.Context, cfg SimulateConfig, log logger.Logger) (SimulateReport, error) {
	if log == nil {
		log = logger.Discard()
	}
	var rep SimulateReport
	dev, err := tensor.ParseDevice(cfg.Device, cfg.DeviceMemory)
	if err != nil {
		return rep, err
	}
	var dt tensor.DType
	if cfg.DType != "" {
		if dt, err = tensor.ParseDType(cfg.DType); err != nil {
			return rep, err
		}
	}
	if cfg.Steps < 0 || cfg.Batch < 1 {
		return rep, fmt.Errorf("%w: need steps >= 0 and batch >= 1, got %d and %d", ErrInvalidConfig, cfg.Steps, cfg.Batch)
	}

	den, err := toy.NewDenoiser(cfg.Denoiser)
	if err != nil {
		return rep, err
	}
	var exclude []*nn.Module
	for _, path := range cfg.Exclude {
		m, err := den.Get(path)
		if err != nil {
			return rep, fmt.Errorf("simulate: exclude %q: %w", path, err)
		}
		exclude = append(exclude, m)
	}

	mgr, err := memory.Attach(den, dev,
		memory.WithOffloadFraction(cfg.OffloadFraction),
		memory.WithRand(rand.New(rand.NewSource(cfg.Seed))),
		memory.WithExclude(exclude...),
		memory.WithVerbose(cfg.Verbose),
		memory.WithLogger(log),
	)
	if err != nil {
		return rep, err
	}
	opts := []nn.MoveOption{nn.WithDevice(dev)}
	if dt.Valid() {
		opts = append(opts, nn.WithDType(dt))
	}
	if err := den.Move(opts...); err != nil {
		return rep, fmt.Errorf("simulate: move: %w", err)
	}

	dev.ResetPeak()
	for step := range cfg.Steps {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		x, err := toy.DenoiserInput(cfg.Denoiser, cfg.Batch, dev)
		if err != nil {
			return rep, err
		}
		y, err := den.Forward(x)
		x.Release()
		if err != nil {
			return rep, fmt.Errorf("simulate: step %d: %w", step, err)
		}
		rep.OutputShape = y.Shape()
		y.Release()
		log.Debug("simulation step done", "step", step, "device_used", dev.Used(), "device_peak", dev.Peak())
	}

	st := mgr.Stats()
	part := mgr.Partition()
	rep.Manager = mgr.ID().String()
	rep.Device = dev.String()
	rep.DType = den.DType().String()
	rep.Linear, rep.Conv, rep.Unmanaged = st.Linear, st.Conv, st.Unmanaged
	rep.SampledOut = len(part.UnmanagedBySampling)
	rep.Excluded = len(part.Excluded)
	rep.Steps = cfg.Steps
	rep.ModelBytes = den.Bytes()
	for _, l := range mgr.Layers() {
		rep.Fetches += l.Fetches()
		rep.FetchedBytes += l.FetchedBytes()
		rep.OffloadedBytes += l.Layer().Bytes()
	}
	for _, am := range mgr.Adapters() {
		rep.Adapters++
		rep.AdapterLayers += len(am.Layers())
	}
	rep.DevicePeak = dev.Peak()
	rep.DeviceResident = dev.Used()
	rep.DeviceReserved = dev.Reserved()
	if hs, err := hostmem.Read(); err == nil {
		rep.Host = &hs
	} else if !errors.Is(err, hostmem.ErrUnsupported) {
		log.Warn("read host memory", "error", err)
	}
	return rep, nil
}

// UnloadConfig drives one unload run over a simulated pipeline.
type UnloadConfig struct {
	Device        string                `json:"device"`
	DeviceMemory  int64                 `json:"device_memory_bytes"`
	DType         string                `json:"dtype"`
	Component     string                `json:"component"`
	Encoders      int                   `json:"encoders"`
	Encoder       toy.TextEncoderConfig `json:"encoder"`
	Connectors    bool                  `json:"connectors"`
	CollectPasses int                   `json:"collect_passes"`
	Verbose       bool                  `json:"verbose"`
}

func DefaultUnload() UnloadConfig {
	return UnloadConfig{
		Device:        "cuda:0",
		DType:         "bf16",
		Component:     unload.TextEncoder,
		Encoders:      1,
		Encoder:       toy.DefaultTextEncoder(),
		CollectPasses: 3,
	}
}

type UnloadReport struct {
	Component        string   `json:"component"`
	Slots            []string `json:"slots"`
	Components       int      `json:"components"`
	BytesReleased    int64    `json:"bytes_released"`
	Tokenizers       int      `json:"tokenizers"`
	Connectors       int      `json:"connectors"`
	DeviceUsedBefore int64    `json:"device_used_before_bytes"`
	DeviceUsedAfter  int64    `json:"device_used_after_bytes"`
	DeviceReserved   int64    `json:"device_reserved_after_bytes"`
	Placeholders     int      `json:"placeholders"`
}

// Unload builds a pipeline with its text components on the configured device
// and unloads the configured component.
func Unload(ctx context.Context, cfg UnloadConfig, log logger.Logger) (UnloadReport, error) {
	if log == nil {
		log = logger.Discard()
	}
	rep := UnloadReport{Component: cfg.Component}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	dev, err := tensor.ParseDevice(cfg.Device, cfg.DeviceMemory)
	if err != nil {
		return rep, err
	}
	dt, err := tensor.ParseDType(cfg.DType)
	if err != nil {
		return rep, err
	}
	m, err := New(Config{
		Device:     dev,
		DType:      dt,
		Encoders:   cfg.Encoders,
		Encoder:    cfg.Encoder,
		Connectors: cfg.Connectors,
		Denoiser:   toy.DefaultDenoiser(),
	})
	if err != nil {
		return rep, err
	}
	rep.DeviceUsedBefore = dev.Used()

	u := unload.New(
		unload.WithAllocator(unload.RuntimeAllocator{Devices: []*tensor.Device{dev}}),
		unload.WithCollectPasses(cfg.CollectPasses),
		unload.WithLogger(log),
		unload.WithVerbose(cfg.Verbose),
	)
	res, err := u.UnloadNamedComponent(m, cfg.Component)
	rep.Slots = res.Slots
	rep.Components = res.Components
	rep.BytesReleased = res.Bytes
	rep.Tokenizers = res.Tokenizers
	rep.Connectors = res.Connectors
	rep.DeviceUsedAfter = dev.Used()
	rep.DeviceReserved = dev.Reserved()
	if s, ok := m.Slot(cfg.Component); ok {
		for _, c := range s.Items() {
			if unload.IsPlaceholder(c) {
				rep.Placeholders++
			}
		}
	}
	return rep, err
}
