// Package component implements the four-entrypoint chain contract external
// collaborators (a bridge, a device VE, a network VEM) attach to: vecrt
// ships only the in-process VE-side component and the Chain runner that
// composes named components in configured order, not a bridge or VEM
// implementation of its own.
//
// Chain generalizes a fixed pipeline of independently named, independently
// configured stages into an arbitrary ordered list of named, config-
// selected components, each implementing the same four-entry-point shape
// (Init/Shutdown/Execute/ExtMethod) a bridge, filter, fuser or device VE
// would.
package component

import (
	"k8s.io/klog/v2"

	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/vecerr"
)

// Component is one stage of a chain: it can consume startup configuration,
// transform or execute a Batch, register an extension opcode, and release
// resources on shutdown. Implementations are not required to be safe for
// concurrent use by more than one Chain.
type Component interface {
	// Init prepares the component for use, given the name it was
	// registered under in the chain's configuration namespace.
	Init(name string) error
	// Shutdown releases any resources Init acquired. It is called in
	// reverse chain order.
	Shutdown() error
	// Execute consumes or forwards bhir. A component that only rewrites
	// bhir before handing it to the next stage (see Filter) still
	// implements Execute, and Chain calls it like any other component's.
	Execute(bhir *core.Batch) error
	// ExtMethod registers an extension opcode this component understands,
	// mirroring engine.Engine.RegisterExtension's write-once contract.
	ExtMethod(name string, opcode uint16) error
}

// Filter is an optional interface a Component implements to declare that
// it only rewrites bhir and must never be asked to actually execute it —
// the pass-through shape original_source's filter/ stage uses between the
// bridge and the VE. Chain does not check for this interface: it calls
// every component's Execute, so a Filter's own Execute does the
// transform-only work, and IsFilter only labels the component for
// tooling/logging.
type Filter interface {
	Component
	IsFilter() bool
}

// entry pairs a live Component with the name it was Init'd under, so
// Chain can log and shut down in a stable, reversible order.
type entry struct {
	name string
	c    Component
}

// Chain composes Components in a fixed order, calling Execute on each in
// turn and threading the same *core.Batch through every stage.
type Chain struct {
	entries []entry
}

// NewChain builds an empty Chain.
func NewChain() *Chain {
	return &Chain{}
}

// Add appends c to the chain under name, calling Init immediately. If Init
// fails, c is not added and the error is returned to the caller.
func (ch *Chain) Add(name string, c Component) error {
	if err := c.Init(name); err != nil {
		return vecerr.Wrapf(vecerr.KindComponentLoad, err, "init component %q", name)
	}
	ch.entries = append(ch.entries, entry{name: name, c: c})
	klog.V(3).Infof("component: %q initialized", name)
	return nil
}

// Execute runs bhir through every component in chain order. A Filter
// component's Execute is still invoked (Filter only signals intent, not a
// different call contract); a non-Filter component's Execute is expected
// to actually run the batch to completion (typically by delegating to an
// engine.Engine).
func (ch *Chain) Execute(bhir *core.Batch) error {
	for _, e := range ch.entries {
		if err := e.c.Execute(bhir); err != nil {
			return vecerr.Wrapf(vecerr.KindInternalInvariant, err, "component %q execute", e.name)
		}
	}
	return nil
}

// ExtMethod registers name/opcode with every component in the chain that
// accepts it; a component with no use for the opcode should return nil
// from ExtMethod rather than an error.
func (ch *Chain) ExtMethod(name string, opcode uint16) error {
	for _, e := range ch.entries {
		if err := e.c.ExtMethod(name, opcode); err != nil {
			return vecerr.Wrapf(vecerr.KindExtmethodNotSupported, err, "component %q ext method %q", e.name, name)
		}
	}
	return nil
}

// Shutdown tears down every component in reverse Add order, matching the
// teacher's LIFO shutdown discipline for layered resources. It continues
// past a failing Shutdown so a resource leak in one stage doesn't strand
// every stage behind it.
func (ch *Chain) Shutdown() error {
	var first error
	for i := len(ch.entries) - 1; i >= 0; i-- {
		e := ch.entries[i]
		if err := e.c.Shutdown(); err != nil {
			klog.Errorf("component: %q shutdown: %v", e.name, err)
			if first == nil {
				first = vecerr.Wrapf(vecerr.KindComponentLoad, err, "shutdown component %q", e.name)
			}
		}
	}
	return first
}

// Names returns the chain's component names in Add order, for logging and
// diagnostics.
func (ch *Chain) Names() []string {
	names := make([]string, len(ch.entries))
	for i, e := range ch.entries {
		names[i] = e.name
	}
	return names
}

// BuildFromConfig constructs a Chain from a config-described ordered list
// of component names, resolving each through factory. This matches §6's
// "keyed strings under a per-component namespace": factory is expected to
// build each component its own config.Namespace (typically rooted at
// "<base>.<name>") before returning it, so the component reads its own
// settings once Init is called.
func BuildFromConfig(names []string, factory func(name string) (Component, error)) (*Chain, error) {
	ch := NewChain()
	for _, name := range names {
		c, err := factory(name)
		if err != nil {
			return nil, vecerr.Wrapf(vecerr.KindComponentLoad, err, "build component %q", name)
		}
		if err := ch.Add(name, c); err != nil {
			return nil, err
		}
	}
	return ch, nil
}
