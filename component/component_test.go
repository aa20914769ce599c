package component

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecrt/vecrt/core"
)

type recordingComponent struct {
	name         string
	initErr      error
	execErr      error
	shutdownErr  error
	initCalled   bool
	execCalled   bool
	shutdownSeq  *[]string
	rewriteBatch func(*core.Batch)
}

func (r *recordingComponent) Init(name string) error {
	r.name = name
	r.initCalled = true
	return r.initErr
}

func (r *recordingComponent) Shutdown() error {
	if r.shutdownSeq != nil {
		*r.shutdownSeq = append(*r.shutdownSeq, r.name)
	}
	return r.shutdownErr
}

func (r *recordingComponent) Execute(bhir *core.Batch) error {
	r.execCalled = true
	if r.rewriteBatch != nil {
		r.rewriteBatch(bhir)
	}
	return r.execErr
}

func (r *recordingComponent) ExtMethod(name string, opcode uint16) error { return nil }

func TestChainAddCallsInit(t *testing.T) {
	ch := NewChain()
	c := &recordingComponent{}
	require.NoError(t, ch.Add("filter-1", c))
	assert.True(t, c.initCalled)
	assert.Equal(t, []string{"filter-1"}, ch.Names())
}

func TestChainAddPropagatesInitError(t *testing.T) {
	ch := NewChain()
	c := &recordingComponent{initErr: assertError("boom")}
	err := ch.Add("bad", c)
	assert.Error(t, err)
	assert.Empty(t, ch.Names())
}

func TestChainExecuteRunsEveryComponentInOrder(t *testing.T) {
	ch := NewChain()
	var order []string
	first := &recordingComponent{rewriteBatch: func(*core.Batch) { order = append(order, "first") }}
	second := &recordingComponent{rewriteBatch: func(*core.Batch) { order = append(order, "second") }}
	require.NoError(t, ch.Add("first", first))
	require.NoError(t, ch.Add("second", second))

	batch := core.NewBatch(nil)
	require.NoError(t, ch.Execute(batch))
	assert.True(t, first.execCalled)
	assert.True(t, second.execCalled)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestChainExecuteStopsOnFirstError(t *testing.T) {
	ch := NewChain()
	first := &recordingComponent{execErr: assertError("stage failed")}
	second := &recordingComponent{}
	require.NoError(t, ch.Add("first", first))
	require.NoError(t, ch.Add("second", second))

	err := ch.Execute(core.NewBatch(nil))
	assert.Error(t, err)
	assert.False(t, second.execCalled)
}

func TestChainShutdownRunsInReverseOrder(t *testing.T) {
	ch := NewChain()
	var seq []string
	first := &recordingComponent{shutdownSeq: &seq}
	second := &recordingComponent{shutdownSeq: &seq}
	require.NoError(t, ch.Add("first", first))
	require.NoError(t, ch.Add("second", second))

	require.NoError(t, ch.Shutdown())
	assert.Equal(t, []string{"second", "first"}, seq)
}

func TestBuildFromConfigWiresComponentsByName(t *testing.T) {
	built := map[string]bool{}
	chain, err := BuildFromConfig([]string{"a", "b"}, func(name string) (Component, error) {
		built[name] = true
		return &recordingComponent{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, chain.Names())
	assert.True(t, built["a"])
	assert.True(t, built["b"])
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertError(msg string) error { return simpleError(msg) }
