package engine

import (
	"github.com/canvasflow/canvasflow/pkg/schema"
)

// TopoSort returns the graph's node IDs in dependency order using a
// depth-first traversal: every producer appears before its consumers.
// Nodes are visited in declaration order so the result is deterministic
// for a given document.
func TopoSort(g *schema.Graph) ([]string, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph is nil")
	}

	// Validate edges before walking: both endpoints must exist.
	for _, e := range g.Edges {
		if g.NodeByID(e.Source) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s references missing source node: %s", e.ID, e.Source)
		}
		if g.NodeByID(e.Target) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s references missing target node: %s", e.ID, e.Target)
		}
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if seen[n.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", n.ID)
		}
		seen[n.ID] = true
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(g.Nodes))
	sorted := make([]string, 0, len(g.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return schema.NewErrorf(schema.ErrCodeCycleDetected,
				"workflow contains a cycle through node %s", id)
		}
		state[id] = visiting
		for _, e := range g.IncomingEdges(id) {
			if err := visit(e.Source); err != nil {
				return err
			}
		}
		state[id] = visited
		sorted = append(sorted, id)
		return nil
	}

	for _, n := range g.Nodes {
		if err := visit(n.ID); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}
