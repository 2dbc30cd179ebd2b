package graph

import (
	"sort"
)

// ---------------------------------------------------------------------------
// Neighborhood Index: per-user map of reachable user -> hop distance (1..D)
// Derived from FriendGraph via bounded BFS. Full rebuild after batch load,
// scoped rebuild for the closure set of a single relationship change.
// ---------------------------------------------------------------------------

// IndexStats reports rebuild activity.
type IndexStats struct {
	Degree          int   `json:"degree"`
	IndexedUsers    int   `json:"indexed_users"`
	FullRebuilds    int64 `json:"full_rebuilds"`
	ScopedRebuilds  int64 `json:"scoped_rebuilds"`
	SourcesComputed int64 `json:"sources_computed"`
}

// Index is the bounded-degree social neighborhood index.
type Index struct {
	degree int
	dist   map[string]map[string]int

	fullRebuilds    int64
	scopedRebuilds  int64
	sourcesComputed int64
}

// NewIndex creates an empty index for the given degree. The index is not
// populated until RebuildAll is called.
func NewIndex(degree int) *Index {
	return &Index{
		degree: degree,
		dist:   make(map[string]map[string]int),
	}
}

// Degree returns the configured maximum hop distance.
func (x *Index) Degree() int { return x.degree }

// SetDegree changes D, discards the current contents and rebuilds from g.
// With D <= 0 the index is left empty.
func (x *Index) SetDegree(g *FriendGraph, degree int) bool {
	x.degree = degree
	x.dist = make(map[string]map[string]int)
	return x.RebuildAll(g)
}

// RebuildAll recomputes the neighborhood of every user in g. Returns false
// (and leaves the index untouched) when D <= 0.
func (x *Index) RebuildAll(g *FriendGraph) bool {
	if x.degree < 1 {
		return false
	}

	x.dist = make(map[string]map[string]int, g.UserCount())
	for id := range g.friends {
		x.computeNeighborhood(g, id, x.degree)
	}
	x.fullRebuilds++
	return true
}

// RebuildScoped recomputes the neighborhoods of users only. The caller
// supplies the closure set; no closure is derived here. Returns false when
// D <= 0, leaving existing entries stale.
func (x *Index) RebuildScoped(g *FriendGraph, users map[string]struct{}) bool {
	if x.degree < 1 {
		return false
	}

	for id := range users {
		x.computeNeighborhood(g, id, x.degree)
	}
	x.scopedRebuilds++
	return true
}

// computeNeighborhood runs a BFS from source over friendship edges, stopping
// expansion at cutoff hops. Each discovered distance is also written into the
// reached node's own map, since hop distance is symmetric.
func (x *Index) computeNeighborhood(g *FriendGraph, source string, cutoff int) {
	x.sourcesComputed++

	visited := map[string]int{source: 0}
	queue := []string{source}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		depth := visited[current]

		if depth >= cutoff {
			continue
		}

		for friend := range g.neighbors(current) {
			if _, seen := visited[friend]; seen {
				continue
			}
			visited[friend] = depth + 1
			queue = append(queue, friend)
			x.backfill(friend, source, depth+1)
		}
	}

	delete(visited, source)
	x.dist[source] = visited
}

func (x *Index) backfill(node, source string, level int) {
	m, ok := x.dist[node]
	if !ok {
		m = make(map[string]int)
		x.dist[node] = m
	}
	m[source] = level
}

// Lookup returns a fresh set of every user recorded in uid's neighborhood.
// Unknown users yield an empty set.
func (x *Index) Lookup(uid string) map[string]struct{} {
	m := x.dist[uid]
	out := make(map[string]struct{}, len(m))
	for id := range m {
		out[id] = struct{}{}
	}
	return out
}

// LookupWithin is Lookup restricted to distances <= cutoff.
func (x *Index) LookupWithin(uid string, cutoff int) map[string]struct{} {
	out := make(map[string]struct{})
	for id, d := range x.dist[uid] {
		if d <= cutoff {
			out[id] = struct{}{}
		}
	}
	return out
}

// Distance returns the recorded hop distance from a to b.
func (x *Index) Distance(a, b string) (int, bool) {
	d, ok := x.dist[a][b]
	return d, ok
}

// Neighbors returns uid's neighborhood as a sorted slice.
func (x *Index) Neighbors(uid string) []string {
	m := x.dist[uid]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IndexedUsers returns the users holding an index entry, sorted.
func (x *Index) IndexedUsers() []string {
	out := make([]string, 0, len(x.dist))
	for id := range x.dist {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stats returns index statistics.
func (x *Index) Stats() IndexStats {
	return IndexStats{
		Degree:          x.degree,
		IndexedUsers:    len(x.dist),
		FullRebuilds:    x.fullRebuilds,
		ScopedRebuilds:  x.scopedRebuilds,
		SourcesComputed: x.sourcesComputed,
	}
}
