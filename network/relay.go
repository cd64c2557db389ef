package network

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qkd/bitvec"
	"github.com/opd-ai/qkd/memzero"
)

// maskedStashSuffix names the stash entry holding the masked
// in-transit copy a relay observed during distribution.
const maskedStashSuffix = "_masked"

// MaskedStashID returns the stash identifier relays hold a
// distribution's masked copy under, for inspection with StashedKey.
func MaskedStashID(sessionID string) string {
	return sessionID + maskedStashSuffix
}

// DistributeOptions tunes one key distribution. The zero value selects
// a discovered path, a generated session id and the default TTL.
type DistributeOptions struct {
	// Path forces an explicit node sequence instead of discovery. It
	// must start at the source, end at the destination and be fully
	// linked.
	Path []string
	// SessionID names the distribution; one is generated when empty.
	SessionID string
	// TTL bounds the stored key's lifetime. Zero selects
	// DefaultKeyTTL.
	TTL time.Duration
	// MaxHops bounds path discovery when no explicit Path is given.
	// Zero selects DefaultMaxHops.
	MaxHops int
}

// DistributeKey relays key from source to destination along the best
// available path, or along opts.Path when set. At every hop the key is
// XOR-masked with a fresh hop key so relays only ever stash the masked
// copy; the unmasked key is stored at the destination with the chosen
// TTL. The whole path is validated before the first hop, so path
// defects are reported before any relay sees data.
func (l *Layer) DistributeKey(ctx context.Context, source, destination string, key []byte, opts *DistributeOptions) (*Key, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("distribute key: key is empty")
	}
	if opts == nil {
		opts = &DistributeOptions{}
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}

	logrus.WithFields(logrus.Fields{
		"function":    "DistributeKey",
		"source":      source,
		"destination": destination,
		"session_id":  sessionID,
	}).Debug("starting key distribution")

	path := opts.Path
	if len(path) == 0 {
		paths, err := l.FindPaths(source, destination, opts.MaxHops)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("%w: %s to %s", ErrNoPath, source, destination)
		}
		path = paths[0].Nodes
	}

	hopSecrets, err := l.hopSecrets(source, destination, path)
	if err != nil {
		return nil, err
	}

	// Hop keys may come from nested sessions, so the relay loop runs
	// without the layer lock.
	current := append([]byte(nil), key...)
	defer func() { memzero.Zero(current) }()

	for i := 0; i < len(path)-1; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("distribution cancelled at hop %d: %w", i, err)
		}

		hopKey, err := l.hopKeyFor(ctx, path[i], path[i+1], hopSecrets[i], hopContext(path[i], path[i+1], sessionID, i))
		if err != nil {
			return nil, fmt.Errorf("hop %d (%s to %s): %w", i, path[i], path[i+1], err)
		}

		masked := bitvec.Mask(current, hopKey)
		if i < len(path)-2 {
			l.stashAt(path[i+1], sessionID+maskedStashSuffix, masked)
		}

		// The mask is its own inverse; the receiving end of the hop
		// recovers the key and immediately re-masks it for the next.
		next := bitvec.Mask(masked, hopKey)
		memzero.Zero(masked)
		memzero.Zero(hopKey)
		memzero.Zero(current)
		current = next
	}

	netKey := &Key{
		Bytes:       append([]byte(nil), current...),
		SessionID:   sessionID,
		Source:      source,
		Destination: destination,
		Path:        append([]string(nil), path...),
		TTL:         ttl,
	}

	l.mu.Lock()
	netKey.CreatedAt = l.clock.Now()
	l.keys[sessionID] = netKey
	if dest, ok := l.nodes[destination]; ok {
		dest.stash[sessionID] = append([]byte(nil), netKey.Bytes...)
	}
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "DistributeKey",
		"source":      source,
		"destination": destination,
		"session_id":  sessionID,
		"hops":        netKey.Hops(),
	}).Info("key distributed")

	return netKey.clone(), nil
}

// hopSecrets validates the full path and snapshots each hop's link
// secret in one pass under the read lock. Any defect fails the whole
// distribution before a single hop runs.
func (l *Layer) hopSecrets(source, destination string, path []string) ([][]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.nodes[source]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, source)
	}
	if _, ok := l.nodes[destination]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, destination)
	}

	if len(path) < 2 {
		return nil, fmt.Errorf("%w: path needs at least two nodes", ErrInvalidPath)
	}
	if path[0] != source || path[len(path)-1] != destination {
		return nil, fmt.Errorf("%w: path endpoints do not match %s to %s", ErrInvalidPath, source, destination)
	}

	secrets := make([][]byte, len(path)-1)
	for i := 0; i < len(path)-1; i++ {
		node, ok := l.nodes[path[i]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown node %s", ErrInvalidPath, path[i])
		}
		if _, ok := l.nodes[path[i+1]]; !ok {
			return nil, fmt.Errorf("%w: unknown node %s", ErrInvalidPath, path[i+1])
		}
		if _, ok := node.neighbors[path[i+1]]; !ok {
			return nil, fmt.Errorf("%w: %s and %s are not linked", ErrInvalidPath, path[i], path[i+1])
		}
		secret, ok := node.secrets[path[i+1]]
		if !ok || len(secret) == 0 {
			return nil, fmt.Errorf("%w: %s and %s share no secret", ErrInvalidPath, path[i], path[i+1])
		}
		secrets[i] = append([]byte(nil), secret...)
	}
	return secrets, nil
}

// hopKeyFor obtains the masking key for one hop: the installed keyer
// first, deterministic derivation from the link secret as fallback.
func (l *Layer) hopKeyFor(ctx context.Context, local, remote string, secret []byte, info string) ([]byte, error) {
	l.mu.RLock()
	keyer := l.hopKeyer
	l.mu.RUnlock()

	if keyer != nil {
		key, err := keyer.HopKey(ctx, local, remote, secret, info)
		if err == nil && len(key) > 0 {
			return key, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "hopKeyFor",
			"local":    local,
			"remote":   remote,
			"error":    err,
		}).Warn("hop keyer failed, falling back to derived key")
	}

	return DeriveHopKey(secret, info)
}

// stashAt records a masked in-transit copy at a relay node.
func (l *Layer) stashAt(nodeID, stashID string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if node, ok := l.nodes[nodeID]; ok {
		node.stash[stashID] = append([]byte(nil), data...)
	}
}

// GetKey returns a copy of the distributed key for a session id, or
// nil when the session is unknown or the key has expired.
func (l *Layer) GetKey(sessionID string) *Key {
	l.mu.RLock()
	defer l.mu.RUnlock()

	key, ok := l.keys[sessionID]
	if !ok || key.Expired(l.clock) {
		return nil
	}
	return key.clone()
}

// PruneExpired wipes and removes every expired key, returning how many
// were dropped. Relay and destination stash entries for pruned
// sessions are removed as well.
func (l *Layer) PruneExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for sessionID, key := range l.keys {
		if !key.Expired(l.clock) {
			continue
		}
		memzero.Zero(key.Bytes)
		delete(l.keys, sessionID)
		for _, node := range l.nodes {
			if data, ok := node.stash[sessionID]; ok {
				memzero.Zero(data)
				delete(node.stash, sessionID)
			}
			if data, ok := node.stash[sessionID+maskedStashSuffix]; ok {
				memzero.Zero(data)
				delete(node.stash, sessionID+maskedStashSuffix)
			}
		}
		pruned++
	}

	if pruned > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PruneExpired",
			"pruned":   pruned,
		}).Debug("expired keys removed")
	}
	return pruned
}
