package graph

import (
	"errors"
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Friend Graph: undirected adjacency sets keyed by user id
// Source of truth for direct relationships. Single writer, no locking.
// ---------------------------------------------------------------------------

var (
	// ErrIncompleteData is returned when a relationship is missing an id.
	ErrIncompleteData = errors.New("graph: incomplete data")
	// ErrSelfFriendship is returned when both ids of a relationship match.
	ErrSelfFriendship = errors.New("graph: user cannot befriend itself")
)

// FriendGraph stores symmetric friendships: id2 ∈ friends(id1) ⇔ id1 ∈ friends(id2).
type FriendGraph struct {
	friends map[string]map[string]struct{}
	edges   int
}

// NewFriendGraph creates an empty graph.
func NewFriendGraph() *FriendGraph {
	return &FriendGraph{
		friends: make(map[string]map[string]struct{}),
	}
}

// Add records a friendship between id1 and id2, creating either user if absent.
// Adding an existing friendship is a no-op.
func (g *FriendGraph) Add(id1, id2 string) error {
	if id1 == "" || id2 == "" {
		return fmt.Errorf("befriend %q/%q: %w", id1, id2, ErrIncompleteData)
	}
	if id1 == id2 {
		return fmt.Errorf("befriend %q: %w", id1, ErrSelfFriendship)
	}

	if g.AreFriends(id1, id2) {
		return nil
	}
	g.ensureUser(id1)[id2] = struct{}{}
	g.ensureUser(id2)[id1] = struct{}{}
	g.edges++
	return nil
}

// Remove deletes the friendship between id1 and id2. Each side is checked
// independently; removed reports whether anything was actually deleted so
// callers can skip downstream recomputation.
func (g *FriendGraph) Remove(id1, id2 string) (removed bool, err error) {
	if id1 == "" || id2 == "" {
		return false, fmt.Errorf("unfriend %q/%q: %w", id1, id2, ErrIncompleteData)
	}

	if set, ok := g.friends[id1]; ok {
		if _, linked := set[id2]; linked {
			delete(set, id2)
			removed = true
		}
	}
	if set, ok := g.friends[id2]; ok {
		if _, linked := set[id1]; linked {
			delete(set, id1)
			removed = true
		}
	}
	if removed {
		g.edges--
	}
	return removed, nil
}

// AreFriends reports whether id2 is a direct friend of id1.
func (g *FriendGraph) AreFriends(id1, id2 string) bool {
	set, ok := g.friends[id1]
	if !ok {
		return false
	}
	_, linked := set[id2]
	return linked
}

// Degree returns the number of distinct friends of id.
func (g *FriendGraph) Degree(id string) int {
	return len(g.friends[id])
}

// Friends returns a sorted copy of id's direct friends.
func (g *FriendGraph) Friends(id string) []string {
	set := g.friends[id]
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Has reports whether id has ever appeared in a relationship.
func (g *FriendGraph) Has(id string) bool {
	_, ok := g.friends[id]
	return ok
}

// Users returns every known user id in sorted order.
func (g *FriendGraph) Users() []string {
	out := make([]string, 0, len(g.friends))
	for id := range g.friends {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UserCount returns the number of known users.
func (g *FriendGraph) UserCount() int { return len(g.friends) }

// EdgeCount returns the number of undirected friendships.
func (g *FriendGraph) EdgeCount() int { return g.edges }

func (g *FriendGraph) ensureUser(id string) map[string]struct{} {
	set, ok := g.friends[id]
	if !ok {
		set = make(map[string]struct{})
		g.friends[id] = set
	}
	return set
}

// neighbors exposes the live adjacency set for traversal inside the package.
func (g *FriendGraph) neighbors(id string) map[string]struct{} {
	return g.friends[id]
}
