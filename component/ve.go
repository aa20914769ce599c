package component

import (
	"github.com/vecrt/vecrt/config"
	"github.com/vecrt/vecrt/core"
	"github.com/vecrt/vecrt/engine"
	"github.com/vecrt/vecrt/planner"
	"github.com/vecrt/vecrt/vecerr"
)

// VE is the in-process vector-engine component: the concrete, physically
// executing stage a Chain terminates in. It owns one engine.Engine and
// reads its tuning knobs from its Namespace at Init, matching §6's
// per-component configuration contract. This is the only Component vecrt
// ships that actually computes anything; every other stage a real
// deployment adds (a bridge, a device VE, a network VEM) is external per
// the Non-goals in §1.
type VE struct {
	Namespace *config.Namespace

	eng *engine.Engine
}

var _ Component = (*VE)(nil)

func (v *VE) Init(name string) error {
	fusionName := "greedy"
	workers := 1
	cacheDir := ""
	objectDir := ""
	if v.Namespace != nil {
		fusionName = v.Namespace.String("fusion_model", fusionName)
		workers = v.Namespace.Int("workers", workers, 1, 4096)
		cacheDir = v.Namespace.Path("fusion_cache_dir", cacheDir)
		objectDir = v.Namespace.Path("object_store_dir", objectDir)
	}

	registry := planner.NewRegistry()
	model, ok := registry.Get(fusionName)
	if !ok {
		model = planner.GreedyModel
	}

	v.eng = engine.New(engine.Options{
		Workers:     workers,
		FusionModel: model,
		CacheDir:    cacheDir,
		ObjectDir:   objectDir,
		EnableStats: true,
	})
	return v.eng.LoadPersisted()
}

func (v *VE) Shutdown() error { return nil }

func (v *VE) Execute(bhir *core.Batch) error { return v.eng.Execute(bhir) }

// ExtMethod satisfies the Component contract but cannot itself provide an
// implementation: an extension opcode needs a real device- or bridge-
// supplied callback, which the four-entrypoint interface has no slot to
// carry. Callers that own such a callback should call RegisterExtension
// directly instead of going through the Chain's ExtMethod fan-out.
func (v *VE) ExtMethod(name string, opcode uint16) error {
	return vecerr.New(vecerr.KindExtmethodNotSupported, "host VE component has no built-in implementation for "+name)
}

// RegisterExtension binds a real callback for an extension opcode,
// bypassing the Component.ExtMethod contract (which carries no function
// parameter) to reach engine.Engine.RegisterExtension directly.
func (v *VE) RegisterExtension(name string, opcode uint16, fn engine.ExtFunc) error {
	return v.eng.RegisterExtension(name, opcode, fn)
}

// Stats exposes the underlying engine's execution counters.
func (v *VE) Stats() engine.Stats { return v.eng.Stats() }
