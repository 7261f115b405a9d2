package cascade_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riak-tools/aaefullsync/internal/cascade"
)

func ringTopology() *cascade.Topology {
	// a -> b -> c -> d, plus a -> c shortcut, modeling a cascade ring with
	// one shortcut route.
	top := cascade.New()
	for _, name := range []string{"a", "b", "c", "d"} {
		top.AddVertex(name)
	}
	top.AddEdge("a", "b")
	top.AddEdge("b", "c")
	top.AddEdge("c", "d")
	top.AddEdge("a", "c")
	return top
}

func TestAddEdgeAutoCreatesAbsentVertices(t *testing.T) {
	top := cascade.New()
	top.AddVertex("a")
	top.AddEdge("a", "ghost")

	assert.Equal(t, []string{"a", "ghost"}, top.Clusters())
	assert.Equal(t, []string{"ghost"}, top.Cascades("a"))
}

func TestClustersAndCascadesAreSorted(t *testing.T) {
	top := ringTopology()
	assert.Equal(t, []string{"a", "b", "c", "d"}, top.Clusters())
	assert.Equal(t, []string{"b", "c"}, top.Cascades("a"))
	assert.Equal(t, []string{"d"}, top.Cascades("c"))
	assert.Empty(t, top.Cascades("d"))
}

func TestAllCascadesEnumeratesWholeGraph(t *testing.T) {
	top := ringTopology()
	assert.Equal(t, map[string][]string{
		"a": {"b", "c"},
		"b": {"c"},
		"c": {"d"},
	}, top.AllCascades())
}

func TestPathPrefersShortestRoute(t *testing.T) {
	top := ringTopology()
	path, ok := top.Path("a", "d")
	require.True(t, ok)
	// a->c->d (length 2) beats a->b->c->d (length 3).
	assert.Equal(t, []string{"a", "c", "d"}, path)
}

func TestPathUnreachableReportsFalse(t *testing.T) {
	top := ringTopology()
	top.AddVertex("isolated")
	_, ok := top.Path("a", "isolated")
	assert.False(t, ok)
}

func TestPathSameVertexIsTrivial(t *testing.T) {
	top := ringTopology()
	path, ok := top.Path("b", "b")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, path)
}

func TestDropVertexRemovesDanglingEdges(t *testing.T) {
	top := ringTopology()
	top.DropVertex("c")
	assert.Equal(t, []string{"a", "b", "d"}, top.Clusters())
	assert.Equal(t, []string{"b"}, top.Cascades("a")) // a->c dangled away, a->b survives
	_, ok := top.Path("a", "d")
	assert.False(t, ok, "d should be unreachable once c is removed")
}

func TestDropOutEdgesClearsOnlyOutgoingRoutes(t *testing.T) {
	top := ringTopology()
	top.DropOutEdges("a")
	assert.Empty(t, top.Cascades("a"))
	// b->c->d survives.
	path, ok := top.Path("b", "d")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "c", "d"}, path)
}

func TestChooseNextsAtOriginReturnsAllOutNeighbours(t *testing.T) {
	top := ringTopology()
	assert.Equal(t, []string{"b", "c"}, top.ChooseNexts("a", "a"))
}

func TestChooseNextsRejectsHopBackToOrigin(t *testing.T) {
	// a->b, b->a (a cascade back-edge): b must never forward back to a.
	top := cascade.New()
	top.AddVertex("a")
	top.AddVertex("b")
	top.AddEdge("a", "b")
	top.AddEdge("b", "a")

	assert.Empty(t, top.ChooseNexts("a", "b"))
}

func TestChooseNextsDropsRedundantPathThroughShortcut(t *testing.T) {
	// a -> b -> d
	// a -> c -> d
	// a -> d (direct)
	// started=a forwards directly to d itself, so once the message
	// reaches b (or c), forwarding on to d would be redundant: d has a
	// direct in-edge from "a" (=started), which always wins per spec.
	top := cascade.New()
	for _, name := range []string{"a", "b", "c", "d"} {
		top.AddVertex(name)
	}
	top.AddEdge("a", "b")
	top.AddEdge("a", "c")
	top.AddEdge("a", "d")
	top.AddEdge("b", "d")
	top.AddEdge("c", "d")

	assert.Empty(t, top.ChooseNexts("a", "b"))
	assert.Empty(t, top.ChooseNexts("a", "c"))
}

func TestChooseNextsTieBreaksByVertexNameAmongEqualDistanceForwarders(t *testing.T) {
	// a -> b, a -> c, b -> d, c -> d: b and c are both distance 1 from a
	// and both forward to d. Per the tie-break rule, the smaller name (b)
	// wins and blocks the larger (c) from also being kept as a hop to d
	// from... actually both b and c are themselves distance-1 peers, so
	// evaluate choose_nexts(a, b): candidate d has in-neighbours b (current,
	// skipped) and c. c is reachable from a at distance 1, equal to
	// H=P(a,b)=1; tie broken by name: c > b, so c loses and d survives.
	top := cascade.New()
	for _, name := range []string{"a", "b", "c", "d"} {
		top.AddVertex(name)
	}
	top.AddEdge("a", "b")
	top.AddEdge("a", "c")
	top.AddEdge("b", "d")
	top.AddEdge("c", "d")

	assert.Equal(t, []string{"d"}, top.ChooseNexts("a", "b"))
	// From c's perspective, b < c, so b wins the tie and d is rejected.
	assert.Empty(t, top.ChooseNexts("a", "c"))
}
