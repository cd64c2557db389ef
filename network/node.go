package network

import (
	"fmt"
	"sort"
)

// Role classifies a node's function in the relay network. Path trust
// scoring treats trusted relays as less of a liability than ordinary
// ones.
type Role uint8

// Node roles.
const (
	// RoleSource originates key material.
	RoleSource Role = iota
	// RoleDestination receives distributed keys.
	RoleDestination
	// RoleRelay forwards masked keys without being trusted to see them.
	RoleRelay
	// RoleTrustedRelay is a relay operated inside the trust boundary.
	RoleTrustedRelay
)

var roleNames = map[Role]string{
	RoleSource:       "source",
	RoleDestination:  "destination",
	RoleRelay:        "relay",
	RoleTrustedRelay: "trusted_relay",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Node is one participant in the relay topology. Nodes are owned by
// the Layer that created them; all access runs under the Layer's lock.
type Node struct {
	// ID uniquely names the node in the topology.
	ID string
	// Role classifies the node for path trust scoring.
	Role Role

	neighbors map[string]struct{}
	secrets   map[string][]byte
	stash     map[string][]byte
}

func newNode(id string, role Role) *Node {
	return &Node{
		ID:        id,
		Role:      role,
		neighbors: make(map[string]struct{}),
		secrets:   make(map[string][]byte),
		stash:     make(map[string][]byte),
	}
}

// neighborIDs returns the node's neighbors in sorted order.
func (n *Node) neighborIDs() []string {
	ids := make([]string, 0, len(n.neighbors))
	for id := range n.neighbors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// hasSecret reports whether a shared secret is provisioned with the
// given peer.
func (n *Node) hasSecret(peer string) bool {
	_, ok := n.secrets[peer]
	return ok
}

// NodeInfo is the read-only topology view of one node.
type NodeInfo struct {
	ID        string
	Role      Role
	Neighbors []string
}

// EdgeInfo is the read-only topology view of one link. Endpoints are
// reported in lexical order; shared secrets never appear in a
// snapshot.
type EdgeInfo struct {
	A       string
	B       string
	Latency float64
}

// Topology is a point-in-time snapshot of the relay graph, safe to
// hand to monitoring.
type Topology struct {
	Nodes []NodeInfo
	Edges []EdgeInfo
	// Connected reports whether every node can reach every other.
	Connected bool
}
