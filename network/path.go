package network

// Trust multipliers applied per intermediate node on a path. A direct
// link carries full trust; every relay in between dilutes it, trusted
// relays less than ordinary ones.
const (
	trustTrustedRelay = 0.9
	trustRelay        = 0.7
)

// Path is one route through the topology from a source to a
// destination, scored for selection.
type Path struct {
	// Nodes is the full node sequence including both endpoints.
	Nodes []string
	// Hops is the number of edges traversed, len(Nodes)-1.
	Hops int
	// Trust estimates how likely the path is to be unobserved at
	// intermediate nodes, in [0, 1]. Direct links score 1.
	Trust float64
	// Latency is the sum of the traversed edges' latencies.
	Latency float64
}

// Direct reports whether the path is a single edge with no relays.
func (p Path) Direct() bool {
	return len(p.Nodes) == 2
}

// clone returns an independent copy so cached paths cannot be mutated
// by callers.
func (p Path) clone() Path {
	c := p
	c.Nodes = append([]string(nil), p.Nodes...)
	return c
}

// scorePath computes trust and latency for a node sequence. The caller
// holds the layer lock.
func (l *Layer) scorePath(nodes []string) Path {
	p := Path{
		Nodes: nodes,
		Hops:  len(nodes) - 1,
		Trust: 1.0,
	}

	for i := 0; i < len(nodes)-1; i++ {
		if link, ok := l.edges[newEdgeKey(nodes[i], nodes[i+1])]; ok {
			p.Latency += link.latency
		}
	}

	// Endpoints never dilute trust; only the relays in between do.
	for _, id := range nodes[1 : len(nodes)-1] {
		if node, ok := l.nodes[id]; ok && node.Role == RoleTrustedRelay {
			p.Trust *= trustTrustedRelay
		} else {
			p.Trust *= trustRelay
		}
	}

	return p
}
