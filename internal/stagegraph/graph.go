package stagegraph

import (
	"container/heap"
	"fmt"
	"sort"
)

// Node is one participant in a requisite-stage graph: a stable reference
// id plus the reference ids of the stages it requires to have completed
// first. Only non-synthetic stages participate; synthetic stages are
// sequenced by their STAGE_BEFORE/STAGE_AFTER slot, not by requisite edges.
type Node struct {
	RefID      string
	Requisites []string
}

// Graph is an immutable, validated requisite-stage DAG keyed by reference
// id, in the author-supplied order.
type Graph struct {
	order    []string       // author order, for deterministic traversal
	index    map[string]int // refID -> position in order
	outgoing [][]int        // dependents, by position
	incoming [][]int        // requisites, by position
}

// NewGraph builds and validates a Graph from nodes in author order.
//
// Validation rejects duplicate reference ids, edges naming an unknown
// reference id, self-edges, and any cycle.
func NewGraph(nodes []Node) (*Graph, error) {
	index := make(map[string]int, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.RefID == "" {
			return nil, fmt.Errorf("stagegraph: empty reference id")
		}
		if _, exists := index[n.RefID]; exists {
			return nil, fmt.Errorf("stagegraph: duplicate reference id %q", n.RefID)
		}
		index[n.RefID] = len(order)
		order = append(order, n.RefID)
	}

	outgoing := make([][]int, len(order))
	incoming := make([][]int, len(order))
	for _, n := range nodes {
		to := index[n.RefID]
		for _, req := range n.Requisites {
			if req == n.RefID {
				return nil, fmt.Errorf("stagegraph: self-requisite %q", n.RefID)
			}
			from, ok := index[req]
			if !ok {
				return nil, fmt.Errorf("stagegraph: unknown requisite %q referenced by %q", req, n.RefID)
			}
			outgoing[from] = append(outgoing[from], to)
			incoming[to] = append(incoming[to], from)
		}
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
	}
	for i := range incoming {
		sort.Ints(incoming[i])
	}

	g := &Graph{order: order, index: index, outgoing: outgoing, incoming: incoming}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Requisites returns the direct requisite reference ids of refID, in
// ascending positional order.
func (g *Graph) Requisites(refID string) []string {
	idx, ok := g.index[refID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.incoming[idx]))
	for _, p := range g.incoming[idx] {
		out = append(out, g.order[p])
	}
	return out
}

// Downstream returns every reference id transitively reachable by
// following requisite edges forward from refID (i.e. every stage that,
// directly or indirectly, requires refID), excluding refID itself.
//
// The result is deterministically ordered by ascending author position.
func (g *Graph) Downstream(refID string) []string {
	idx, ok := g.index[refID]
	if !ok {
		return nil
	}

	visited := make([]bool, len(g.order))
	visited[idx] = true

	q := &intMinHeap{}
	heap.Init(q)
	for _, d := range g.outgoing[idx] {
		heap.Push(q, d)
	}

	out := make([]int, 0)
	for q.Len() > 0 {
		u := heap.Pop(q).(int)
		if visited[u] {
			continue
		}
		visited[u] = true
		out = append(out, u)
		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(q, v)
			}
		}
	}

	sort.Ints(out)
	names := make([]string, len(out))
	for i, idx := range out {
		names[i] = g.order[idx]
	}
	return names
}

// Dependents returns the reference ids whose RequisiteStageRefIDs directly
// name refID, in ascending positional order.
func (g *Graph) Dependents(refID string) []string {
	idx, ok := g.index[refID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.outgoing[idx]))
	for _, p := range g.outgoing[idx] {
		out = append(out, g.order[p])
	}
	return out
}

func (g *Graph) validateAcyclic() error {
	indeg := make([]int, len(g.order))
	for i := range g.order {
		indeg[i] = len(g.incoming[i])
	}
	ready := &intMinHeap{}
	heap.Init(ready)
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	visited := 0
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		visited++
		for _, v := range g.outgoing[u] {
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}
	if visited != len(g.order) {
		return fmt.Errorf("stagegraph: cycle detected among requisite edges")
	}
	return nil
}

type intMinHeap []int

func (h intMinHeap) Len() int            { return len(h) }
func (h intMinHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)         { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
