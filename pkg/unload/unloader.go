// Package unload swaps large named sub-components of a model for inert
// placeholders and reclaims their memory.
//
// Every holder of a component is pointed at its placeholder before any
// storage is released, so nothing reachable from the owner or its pipeline
// ever sees a half-freed component.
package unload

import (
	"errors"
	"fmt"

	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/internal/metrics"
	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/tensor"
)

// TextEncoder is the slot name used by UnloadTextEncoder.
const TextEncoder = "text_encoder"

const defaultCollectPasses = 3

type Unloader struct {
	alloc   Allocator
	passes  int
	log     logger.Logger
	verbose bool
}

type Option func(*Unloader)

func WithAllocator(a Allocator) Option {
	return func(u *Unloader) { u.alloc = a }
}

// WithCollectPasses sets how many full collections follow the first flush.
func WithCollectPasses(n int) Option {
	return func(u *Unloader) { u.passes = n }
}

func WithLogger(l logger.Logger) Option {
	return func(u *Unloader) { u.log = l }
}

// WithVerbose logs each replaced slot at info level.
func WithVerbose(v bool) Option {
	return func(u *Unloader) { u.verbose = v }
}

func New(opts ...Option) *Unloader {
	u := &Unloader{
		alloc:  RuntimeAllocator{},
		passes: defaultCollectPasses,
		log:    logger.Discard(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.log == nil {
		u.log = logger.Discard()
	}
	if u.alloc == nil {
		u.alloc = RuntimeAllocator{}
	}
	if u.passes < 1 {
		u.passes = 1
	}
	return u
}

// Result describes one unload call.
type Result struct {
	// Slots lists every holder that now points at a placeholder, owner
	// entries as name[i] and pipeline entries by their pipeline name.
	Slots []string
	// Components is the number of distinct real components released.
	Components int
	// Bytes is the parameter storage released.
	Bytes int64
	// Tokenizers and Connectors count the auxiliary holders cleared.
	Tokenizers int
	Connectors int
}

// UnloadTextEncoder unloads the "text_encoder" component.
func (u *Unloader) UnloadTextEncoder(owner Owner) (Result, error) {
	return u.UnloadNamedComponent(owner, TextEncoder)
}

// UnloadNamedComponent replaces the named component on owner and on its
// pipeline with placeholders, then frees the originals.
//
// The component may be a single instance or a list; pipeline slots are
// addressed as name, name_2, name_3 and so on, and slot i matches list
// index i-1. Pipeline slots past the end of the owner's list are replaced
// too and the list is extended to match. Components that are already
// placeholders are kept, so calling this twice is safe. Missing optional
// parts (pipeline, tokenizers, connectors, extra slots) are skipped.
//
// Errors moving originals back to the host are joined and returned after
// every holder has been detached and every original cleared.
func (u *Unloader) UnloadNamedComponent(owner Owner, name string) (Result, error) {
	vlog := u.log
	if !u.verbose {
		vlog = logger.Discard()
	}
	vlog = vlog.With("component", name)

	var (
		res  Result
		errs []error
		real []Component
		phs  = make(map[Component]*Placeholder)
	)
	// swap returns the placeholder that replaces c and records c for freeing.
	swap := func(c Component) (Component, error) {
		if c == nil {
			return nil, nil
		}
		if ph, ok := c.(*Placeholder); ok {
			return ph, nil
		}
		if ph, ok := phs[c]; ok {
			return ph, nil
		}
		ph, err := NewPlaceholder(owner.Device(), owner.DType())
		if err != nil {
			return nil, err
		}
		phs[c] = ph
		real = append(real, c)
		return ph, nil
	}

	// Detach from the owner.
	slot, hasSlot := owner.Slot(name)
	replaced := make([]Component, 0, slot.Len())
	for i, c := range slot.Items() {
		ph, err := swap(c)
		if err != nil {
			return res, fmt.Errorf("unload %s: %w", name, err)
		}
		replaced = append(replaced, ph)
		if ph != nil {
			res.Slots = append(res.Slots, fmt.Sprintf("%s[%d]", name, i))
		}
	}

	// Detach from the pipeline, extending the owner list for extra slots.
	pipe, hasPipe := pipelineOf(owner)
	if hasPipe {
		for i := 0; ; i++ {
			key := SlotName(name, i)
			c, ok := pipe.Component(key)
			if !ok {
				if i == 0 {
					continue
				}
				break
			}
			ph, err := swap(c)
			if err != nil {
				return res, fmt.Errorf("unload %s: %w", key, err)
			}
			if ph == nil {
				continue
			}
			pipe.SetComponent(key, ph)
			res.Slots = append(res.Slots, key)
			if slot.IsList() && i >= len(replaced) {
				for len(replaced) < i {
					replaced = append(replaced, nil)
				}
				replaced = append(replaced, ph)
				res.Slots = append(res.Slots, fmt.Sprintf("%s[%d]", name, i))
			}
		}
	}
	if hasSlot {
		if slot.IsList() {
			owner.SetSlot(name, List(replaced...))
		} else if len(replaced) > 0 {
			owner.SetSlot(name, Single(replaced[0]))
		}
	}
	for _, s := range res.Slots {
		vlog.Info("replaced with placeholder", "slot", s)
	}

	// Tokenizers and connectors follow the same order: detach, then free.
	for _, h := range []any{owner, pipe} {
		if th, ok := h.(TokenizerHolder); ok && th.HasTokenizer() {
			th.DropTokenizer()
			res.Tokenizers++
		}
	}
	res.Components = len(real)
	if ch, ok := pipe.(ConnectorHolder); ok {
		if c, ok := ch.Connectors(); ok && c != nil {
			ch.DropConnectors()
			res.Connectors++
			if !IsPlaceholder(c) {
				real = append(real, c)
			}
		}
	}

	// Free the originals. Nothing reachable from owner refers to them now.
	for _, c := range real {
		n, err := release(c)
		res.Bytes += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	u.alloc.Flush()
	for range u.passes {
		u.alloc.Collect(OldestGeneration)
	}
	u.alloc.Flush()

	metrics.UnloadedComponents.Add(float64(res.Components))
	metrics.UnloadedBytes.Add(float64(res.Bytes))
	vlog.Info("unloaded",
		"components", res.Components,
		"bytes", res.Bytes,
		"tokenizers", res.Tokenizers,
		"connectors", res.Connectors,
	)
	return res, errors.Join(errs...)
}

// release moves c to the host and clears every param it exposes.
func release(c Component) (int64, error) {
	var err error
	if merr := c.Move(nn.WithDevice(tensor.Host())); merr != nil {
		err = fmt.Errorf("move %v to host: %w", c, merr)
	}
	ph, ok := c.(paramHolder)
	if !ok {
		return 0, err
	}
	var n int64
	for _, p := range ph.Params() {
		n += p.Bytes()
		p.Clear()
	}
	return n, err
}
