// Package network relays session keys across a multi-node topology so
// that two parties without a direct link can still share a key.
//
// A Layer owns an undirected graph of nodes and secret-keyed links.
// Path discovery enumerates the simple paths between two nodes, scores
// each by trust and latency, and caches the ranked result until the
// topology changes. Distribution walks the chosen path hop by hop,
// XOR-masking the key with a fresh per-hop key so that no relay ever
// observes the key in the clear; only the destination stores the
// unmasked result.
package network

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Defaults for layer tuning knobs.
const (
	// DefaultMaxHops bounds path discovery when the caller does not
	// choose a limit.
	DefaultMaxHops = 5
	// DefaultKeyTTL is the stored-key lifetime when a distribution does
	// not choose one.
	DefaultKeyTTL = time.Hour
	// DefaultPathCacheSize is the number of (source, destination)
	// entries the path cache retains before evicting the least
	// recently used.
	DefaultPathCacheSize = 128
)

// Failure classes for topology and relay operations.
var (
	// ErrUnknownNode is returned when an operation names a node that is
	// not part of the topology.
	ErrUnknownNode = errors.New("node not in topology")
	// ErrDuplicateNode is returned when a node id is added twice.
	ErrDuplicateNode = errors.New("node already in topology")
	// ErrNoPath is returned when no usable path connects the source to
	// the destination.
	ErrNoPath = errors.New("no path to destination")
	// ErrInvalidPath is returned when a supplied or discovered path is
	// not fully linked with shared secrets. The check runs before any
	// relaying, so a failed distribution has no partial effect.
	ErrInvalidPath = errors.New("path is not fully linked")
)

// edgeKey identifies an undirected link by its lexically ordered
// endpoints.
type edgeKey struct {
	a, b string
}

func newEdgeKey(x, y string) edgeKey {
	if x < y {
		return edgeKey{a: x, b: y}
	}
	return edgeKey{a: y, b: x}
}

// edge holds the per-link state: the pre-shared secret that
// authenticates the two endpoints to each other and the link's
// latency estimate.
type edge struct {
	secret  []byte
	latency float64
}

// Layer owns one relay topology: its nodes, links, distributed keys
// and the path cache. All methods are safe for concurrent use; path
// lookups proceed in parallel, topology mutations exclude them and
// purge the cache.
type Layer struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[edgeKey]*edge
	keys  map[string]*Key

	pathCache *lru.Cache[string, []Path]

	hopKeyer HopKeyer
	clock    TimeProvider
}

// NewLayer creates an empty topology with the given path cache size. A
// size of zero or less selects DefaultPathCacheSize.
func NewLayer(cacheSize int) (*Layer, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultPathCacheSize
	}

	cache, err := lru.New[string, []Path](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating path cache: %w", err)
	}

	return &Layer{
		nodes:     make(map[string]*Node),
		edges:     make(map[edgeKey]*edge),
		keys:      make(map[string]*Key),
		pathCache: cache,
		clock:     systemTime{},
	}, nil
}

// SetHopKeyer installs a session-backed hop key source. When the
// keyer fails for a hop the layer falls back to deterministic
// derivation from the link secret. A nil keyer restores pure
// derivation.
func (l *Layer) SetHopKeyer(hk HopKeyer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hopKeyer = hk
}

// SetTimeProvider replaces the clock used for key expiry. A nil
// provider restores the system clock.
func (l *Layer) SetTimeProvider(tp TimeProvider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tp == nil {
		tp = systemTime{}
	}
	l.clock = tp
}

// AddNode adds a node to the topology. Node ids must be unique and
// non-empty.
func (l *Layer) AddNode(id string, role Role) error {
	if id == "" {
		return errors.New("node id is empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.nodes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	l.nodes[id] = newNode(id, role)
	l.pathCache.Purge()

	logrus.WithFields(logrus.Fields{
		"function": "AddNode",
		"node_id":  id,
		"role":     role.String(),
	}).Debug("node added to topology")

	return nil
}

// AddLink connects two existing nodes with a pre-shared secret and a
// latency estimate. Re-adding an existing link replaces its secret and
// latency. Every mutation invalidates the path cache.
func (l *Layer) AddLink(a, b string, sharedSecret []byte, latency float64) error {
	if a == b {
		return fmt.Errorf("cannot link %s to itself", a)
	}
	if len(sharedSecret) == 0 {
		return errors.New("link shared secret is empty")
	}
	if latency < 0 {
		return fmt.Errorf("latency must not be negative, got %v", latency)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nodeA, okA := l.nodes[a]
	nodeB, okB := l.nodes[b]
	if !okA {
		return fmt.Errorf("%w: %s", ErrUnknownNode, a)
	}
	if !okB {
		return fmt.Errorf("%w: %s", ErrUnknownNode, b)
	}

	secret := append([]byte(nil), sharedSecret...)
	nodeA.neighbors[b] = struct{}{}
	nodeB.neighbors[a] = struct{}{}
	nodeA.secrets[b] = secret
	nodeB.secrets[a] = secret
	l.edges[newEdgeKey(a, b)] = &edge{secret: secret, latency: latency}
	l.pathCache.Purge()

	logrus.WithFields(logrus.Fields{
		"function": "AddLink",
		"node_a":   a,
		"node_b":   b,
		"latency":  latency,
	}).Debug("link added to topology")

	return nil
}

// FindPaths enumerates the simple paths from source to destination up
// to maxHops edges, scored and sorted best first: highest trust, then
// lowest latency, then fewest hops. Results are cached per endpoint
// pair until the topology changes. A maxHops of zero or less selects
// DefaultMaxHops.
func (l *Layer) FindPaths(source, destination string, maxHops int) ([]Path, error) {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.nodes[source]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, source)
	}
	if _, ok := l.nodes[destination]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, destination)
	}

	cacheKey := fmt.Sprintf("%s\x00%s\x00%d", source, destination, maxHops)
	if cached, ok := l.pathCache.Get(cacheKey); ok {
		return clonePaths(cached), nil
	}

	var paths []Path
	visited := map[string]bool{source: true}
	l.walkPaths(source, destination, maxHops, []string{source}, visited, &paths)

	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Trust != paths[j].Trust {
			return paths[i].Trust > paths[j].Trust
		}
		if paths[i].Latency != paths[j].Latency {
			return paths[i].Latency < paths[j].Latency
		}
		return paths[i].Hops < paths[j].Hops
	})

	// The cache add still runs under the read lock, so it cannot slip
	// in behind a concurrent mutation's purge.
	l.pathCache.Add(cacheKey, clonePaths(paths))

	logrus.WithFields(logrus.Fields{
		"function":    "FindPaths",
		"source":      source,
		"destination": destination,
		"max_hops":    maxHops,
		"found":       len(paths),
	}).Debug("path discovery complete")

	return paths, nil
}

// walkPaths depth-first enumerates simple paths. The caller holds the
// read lock.
func (l *Layer) walkPaths(current, destination string, hopsLeft int, trail []string, visited map[string]bool, out *[]Path) {
	if current == destination {
		*out = append(*out, l.scorePath(append([]string(nil), trail...)))
		return
	}
	if hopsLeft == 0 {
		return
	}

	for _, next := range l.nodes[current].neighborIDs() {
		if visited[next] {
			continue
		}
		visited[next] = true
		l.walkPaths(next, destination, hopsLeft-1, append(trail, next), visited, out)
		visited[next] = false
	}
}

func clonePaths(paths []Path) []Path {
	out := make([]Path, len(paths))
	for i, p := range paths {
		out[i] = p.clone()
	}
	return out
}

// Topology returns a read-only snapshot of the graph: every node with
// its role and neighbors, every edge with its latency, and whether the
// graph is connected. Link secrets are never included.
func (l *Layer) Topology() Topology {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snapshot := Topology{
		Nodes: make([]NodeInfo, 0, len(l.nodes)),
		Edges: make([]EdgeInfo, 0, len(l.edges)),
	}

	for _, node := range l.nodes {
		snapshot.Nodes = append(snapshot.Nodes, NodeInfo{
			ID:        node.ID,
			Role:      node.Role,
			Neighbors: node.neighborIDs(),
		})
	}
	sort.Slice(snapshot.Nodes, func(i, j int) bool {
		return snapshot.Nodes[i].ID < snapshot.Nodes[j].ID
	})

	for key, link := range l.edges {
		snapshot.Edges = append(snapshot.Edges, EdgeInfo{A: key.a, B: key.b, Latency: link.latency})
	}
	sort.Slice(snapshot.Edges, func(i, j int) bool {
		if snapshot.Edges[i].A != snapshot.Edges[j].A {
			return snapshot.Edges[i].A < snapshot.Edges[j].A
		}
		return snapshot.Edges[i].B < snapshot.Edges[j].B
	})

	snapshot.Connected = l.connectedLocked()
	return snapshot
}

// connectedLocked reports whether every node is reachable from every
// other. An empty topology counts as connected.
func (l *Layer) connectedLocked() bool {
	if len(l.nodes) == 0 {
		return true
	}

	var start string
	for id := range l.nodes {
		start = id
		break
	}

	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for neighbor := range l.nodes[current].neighbors {
			if !seen[neighbor] {
				seen[neighbor] = true
				queue = append(queue, neighbor)
			}
		}
	}
	return len(seen) == len(l.nodes)
}

// StashedKey returns a copy of a key stashed at the given node: the
// masked in-transit copy at a relay, or the delivered key at a
// destination. It returns nil when the node or entry is unknown.
func (l *Layer) StashedKey(nodeID, stashID string) []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()

	node, ok := l.nodes[nodeID]
	if !ok {
		return nil
	}
	data, ok := node.stash[stashID]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}
