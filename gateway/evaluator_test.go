package gateway

import (
	"path/filepath"
	"testing"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/instance"
	"flow.evalgo.org/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *graphstore.Store {
	t.Helper()
	s, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func buildExclusiveProcess(t *testing.T, store *graphstore.Store) *definition.Index {
	t.Helper()
	loader := definition.NewLoader(store, "process/exclusive")
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/gateway", Type: model.NodeExclusiveGateway}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/a", Type: model.NodeServiceTask}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/b", Type: model.NodeServiceTask}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{
		URI: "flow/ga", Source: "node/gateway", Target: "node/a", Order: 0,
		Condition: &definition.Condition{Variable: "amount", Operator: model.OpGT, Value: "1000"},
	}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{URI: "flow/gb", Source: "node/gateway", Target: "node/b", Order: 1, IsDefault: true}))

	idx, err := definition.Build(store, "process/exclusive")
	require.NoError(t, err)
	return idx
}

func TestResolveExclusiveTakesMatchingCondition(t *testing.T) {
	store := openTestStore(t)
	idx := buildExclusiveProcess(t, store)
	inst := instance.New(store)
	instURI, err := inst.CreateInstance("process/exclusive", map[string]string{"amount": "5000"}, "")
	require.NoError(t, err)

	eval := New(store, inst)
	flow, err := eval.ResolveExclusive(idx, "node/gateway", instURI, "")
	require.NoError(t, err)
	assert.Equal(t, "node/a", flow.Target)
}

func TestResolveExclusiveFallsBackToDefault(t *testing.T) {
	store := openTestStore(t)
	idx := buildExclusiveProcess(t, store)
	inst := instance.New(store)
	instURI, err := inst.CreateInstance("process/exclusive", map[string]string{"amount": "50"}, "")
	require.NoError(t, err)

	eval := New(store, inst)
	flow, err := eval.ResolveExclusive(idx, "node/gateway", instURI, "")
	require.NoError(t, err)
	assert.Equal(t, "node/b", flow.Target)
}

func TestResolveExclusiveNoValidPath(t *testing.T) {
	store := openTestStore(t)
	loader := definition.NewLoader(store, "process/deadend")
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/gateway", Type: model.NodeExclusiveGateway}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/a", Type: model.NodeServiceTask}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{
		URI: "flow/ga", Source: "node/gateway", Target: "node/a", Order: 0,
		Condition: &definition.Condition{Variable: "amount", Operator: model.OpGT, Value: "1000"},
	}))
	idx, err := definition.Build(store, "process/deadend")
	require.NoError(t, err)

	inst := instance.New(store)
	instURI, err := inst.CreateInstance("process/deadend", map[string]string{"amount": "1"}, "")
	require.NoError(t, err)

	eval := New(store, inst)
	_, err = eval.ResolveExclusive(idx, "node/gateway", instURI, "")
	assert.Error(t, err)
}

func TestResolveInclusiveTakesAllMatching(t *testing.T) {
	store := openTestStore(t)
	loader := definition.NewLoader(store, "process/inclusive")
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/gateway", Type: model.NodeInclusiveGateway}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/a", Type: model.NodeServiceTask}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/b", Type: model.NodeServiceTask}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{
		URI: "flow/ga", Source: "node/gateway", Target: "node/a", Order: 0,
		Condition: &definition.Condition{Variable: "sendEmail", Operator: model.OpEQ, Value: "1"},
	}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{
		URI: "flow/gb", Source: "node/gateway", Target: "node/b", Order: 1,
		Condition: &definition.Condition{Variable: "sendSMS", Operator: model.OpEQ, Value: "1"},
	}))
	idx, err := definition.Build(store, "process/inclusive")
	require.NoError(t, err)

	inst := instance.New(store)
	instURI, err := inst.CreateInstance("process/inclusive", map[string]string{"sendEmail": "1", "sendSMS": "1"}, "")
	require.NoError(t, err)

	eval := New(store, inst)
	flows, err := eval.ResolveInclusive(idx, "node/gateway", instURI, "")
	require.NoError(t, err)
	assert.Len(t, flows, 2)
}

func TestParallelSplitReturnsAllOutgoing(t *testing.T) {
	store := openTestStore(t)
	loader := definition.NewLoader(store, "process/parallel")
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/gateway", Type: model.NodeParallelGateway}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/a", Type: model.NodeServiceTask}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/b", Type: model.NodeServiceTask}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{URI: "flow/ga", Source: "node/gateway", Target: "node/a", Order: 0}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{URI: "flow/gb", Source: "node/gateway", Target: "node/b", Order: 1}))
	idx, err := definition.Build(store, "process/parallel")
	require.NoError(t, err)

	eval := New(store, instance.New(store))
	flows := eval.ParallelSplit(idx, "node/gateway")
	assert.Len(t, flows, 2)
}

func TestJoinSatisfiedOnlyAfterAllIncomingArrive(t *testing.T) {
	store := openTestStore(t)
	loader := definition.NewLoader(store, "process/join")
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/a", Type: model.NodeServiceTask}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/b", Type: model.NodeServiceTask}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: "node/join", Type: model.NodeParallelGateway}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{URI: "flow/a-join", Source: "node/a", Target: "node/join", Order: 0}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{URI: "flow/b-join", Source: "node/b", Target: "node/join", Order: 0}))
	idx, err := definition.Build(store, "process/join")
	require.NoError(t, err)

	eval := New(store, instance.New(store))

	satisfied, err := eval.IsJoinSatisfied(idx, "instance/1", "node/join")
	require.NoError(t, err)
	assert.False(t, satisfied)

	require.NoError(t, eval.RecordArrival("instance/1", "node/join", "flow/a-join"))
	satisfied, err = eval.IsJoinSatisfied(idx, "instance/1", "node/join")
	require.NoError(t, err)
	assert.False(t, satisfied)

	require.NoError(t, eval.RecordArrival("instance/1", "node/join", "flow/b-join"))
	satisfied, err = eval.IsJoinSatisfied(idx, "instance/1", "node/join")
	require.NoError(t, err)
	assert.True(t, satisfied)

	require.NoError(t, eval.ClearArrivals("instance/1", "node/join"))
	satisfied, err = eval.IsJoinSatisfied(idx, "instance/1", "node/join")
	require.NoError(t, err)
	assert.False(t, satisfied)
}
