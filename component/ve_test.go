package component

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecrt/vecrt/codegen"
	"github.com/vecrt/vecrt/config"
	"github.com/vecrt/vecrt/core"
)

func TestVEInitSucceedsWithNilNamespace(t *testing.T) {
	v := &VE{}
	require.NoError(t, v.Init("ve0"))
	require.NoError(t, v.Shutdown())
}

func TestVEInitReadsNamespaceOverrides(t *testing.T) {
	ns, err := config.Load("vecrt.ve0", "")
	require.NoError(t, err)
	t.Setenv("VECRT_VE0_FUSION_MODEL", "single-kernel")
	t.Setenv("VECRT_VE0_WORKERS", "4")

	v := &VE{Namespace: ns}
	require.NoError(t, v.Init("ve0"))
	require.NoError(t, v.Shutdown())
}

func TestVEExtMethodReportsUnsupported(t *testing.T) {
	v := &VE{}
	require.NoError(t, v.Init("ve0"))
	err := v.ExtMethod("device-op", codegen.ExtOpcodeBase+1)
	assert.Error(t, err)
}

func TestVERegisterExtensionForwardsToEngine(t *testing.T) {
	v := &VE{}
	require.NoError(t, v.Init("ve0"))
	opcode := codegen.ExtOpcodeBase + 3
	require.NoError(t, v.RegisterExtension("device-op", opcode, func([]core.View) error { return nil }))
	// A duplicate registration must be rejected the same way the bare
	// engine.Engine rejects it.
	err := v.RegisterExtension("device-op", opcode, func([]core.View) error { return nil })
	assert.Error(t, err)
}
