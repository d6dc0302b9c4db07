package mu

import (
	"cmp"
	"slices"
	"sync/atomic"
)

// lockGraph is the process-wide acquired-before graph behind the
// deadlock detector. An edge a->b means some goroutine acquired b while
// holding a; a cycle means those orders can deadlock.
//
// Nodes carry a rank maintained as a topological order, so inserting an
// edge that already respects the order, the overwhelmingly common case,
// costs two map writes and no search. Only a rank violation triggers a
// bounded search of the affected region, after which ranks are patched
// back into order.
type lockGraph struct {
	word  atomic.Uint64 // graphLockBit guards all fields below
	nodes map[*Mutex]*graphNode
	rank  int64
}

type graphNode struct {
	mu    *Mutex
	rank  int64
	out   map[*graphNode]struct{}
	in    map[*graphNode]struct{}
	stack []uintptr // stack of the most recent contended acquisition
}

const graphLockBit = uint64(1)

var deadlockGraph lockGraph

func (g *lockGraph) lock()   { lockWordBit(&g.word, graphLockBit) }
func (g *lockGraph) unlock() { unlockWordBit(&g.word, graphLockBit) }

// node returns the graph node for m, creating it on first sight.
func (g *lockGraph) node(m *Mutex) *graphNode {
	if g.nodes == nil {
		g.nodes = make(map[*Mutex]*graphNode)
	}
	n := g.nodes[m]
	if n == nil {
		g.rank++
		n = &graphNode{
			mu:   m,
			rank: g.rank,
			out:  make(map[*graphNode]struct{}),
			in:   make(map[*graphNode]struct{}),
		}
		g.nodes[m] = n
	}
	return n
}

// insertEdge adds the edge a->b and reports whether the graph is still
// acyclic; when it would close a cycle the edge is not added.
func (g *lockGraph) insertEdge(a, b *graphNode) bool {
	if a == b {
		return false
	}
	if _, ok := a.out[b]; ok {
		return true
	}
	if a.rank < b.rank { // already in topological order
		a.out[b] = struct{}{}
		b.in[a] = struct{}{}
		return true
	}
	// Rank order violated: search forward from b, bounded by a's rank.
	var deltaF []*graphNode
	if g.forwardDFS(b, a, a.rank, make(map[*graphNode]bool), &deltaF) {
		return false // a reachable from b: the edge closes a cycle
	}
	var deltaB []*graphNode
	g.backwardDFS(a, b.rank, make(map[*graphNode]bool), &deltaB)
	a.out[b] = struct{}{}
	b.in[a] = struct{}{}
	g.reorder(deltaF, deltaB)
	return true
}

// forwardDFS collects into out every node reachable from n with rank at
// most limit, reporting true if target is among them.
func (g *lockGraph) forwardDFS(n, target *graphNode, limit int64,
	visited map[*graphNode]bool, out *[]*graphNode) bool {
	if visited[n] {
		return false
	}
	visited[n] = true
	*out = append(*out, n)
	for s := range n.out {
		if s == target {
			return true
		}
		if s.rank > limit {
			continue
		}
		if g.forwardDFS(s, target, limit, visited, out) {
			return true
		}
	}
	return false
}

// backwardDFS collects into out every node reaching n with rank at
// least limit.
func (g *lockGraph) backwardDFS(n *graphNode, limit int64,
	visited map[*graphNode]bool, out *[]*graphNode) {
	if visited[n] {
		return
	}
	visited[n] = true
	*out = append(*out, n)
	for p := range n.in {
		if p.rank < limit {
			continue
		}
		g.backwardDFS(p, limit, visited, out)
	}
}

// reorder redistributes the ranks held by the two affected regions so
// that everything reaching the new edge's source orders before
// everything reachable from its target, restoring the topological
// invariant without touching the rest of the graph.
func (g *lockGraph) reorder(deltaF, deltaB []*graphNode) {
	byRank := func(x, y *graphNode) int { return cmp.Compare(x.rank, y.rank) }
	slices.SortFunc(deltaB, byRank)
	slices.SortFunc(deltaF, byRank)
	pool := make([]int64, 0, len(deltaB)+len(deltaF))
	for _, n := range deltaB {
		pool = append(pool, n.rank)
	}
	for _, n := range deltaF {
		pool = append(pool, n.rank)
	}
	slices.Sort(pool)
	i := 0
	for _, n := range deltaB {
		n.rank = pool[i]
		i++
	}
	for _, n := range deltaF {
		n.rank = pool[i]
		i++
	}
}

// findPath returns a path from -> ... -> to of at most limit nodes, or
// nil. Used only to build deadlock reports.
func (g *lockGraph) findPath(from, to *graphNode, limit int) []*graphNode {
	visited := make(map[*graphNode]bool)
	var path []*graphNode
	var dfs func(n *graphNode) bool
	dfs = func(n *graphNode) bool {
		if visited[n] || len(path) >= limit {
			return false
		}
		visited[n] = true
		path = append(path, n)
		if n == to {
			return true
		}
		for s := range n.out {
			if dfs(s) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(from) {
		return path
	}
	return nil
}

// removeNode unlinks m's node from the graph.
func (g *lockGraph) removeNode(m *Mutex) {
	n := g.nodes[m]
	if n == nil {
		return
	}
	for s := range n.out {
		delete(s.in, n)
	}
	for p := range n.in {
		delete(p.out, n)
	}
	delete(g.nodes, m)
}
