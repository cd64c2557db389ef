package network

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HopKeySize is the length in bytes of a derived hop key.
const HopKeySize = 32

// hopKeyInfo versions the derivation so a future scheme change cannot
// silently produce colliding keys.
const hopKeyInfo = "QKD_HOP_KEY_V1"

// HopKeyer produces the fresh masking key for one relay hop. local and
// remote are the hop's endpoints, secret is their pre-shared link
// secret, and info is a per-hop context string binding the key to one
// distribution. Implementations that cannot produce a key return an
// error; the layer then falls back to DeriveHopKey.
type HopKeyer interface {
	HopKey(ctx context.Context, local, remote string, secret []byte, info string) ([]byte, error)
}

// DeriveHopKey deterministically derives a hop masking key from a link
// secret and a context string using HKDF-SHA256. Both endpoints of a
// hop derive the same key from the same inputs. The function is pure:
// it reads no state and is safe for concurrent use.
func DeriveHopKey(secret []byte, context string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("hop key derivation requires a link secret")
	}

	info := make([]byte, 0, len(hopKeyInfo)+len(context))
	info = append(info, hopKeyInfo...)
	info = append(info, context...)

	reader := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, HopKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving hop key: %w", err)
	}
	return key, nil
}

// hopContext builds the per-hop derivation context: both endpoints,
// the distribution's session id and the hop index.
func hopContext(local, remote, sessionID string, hop int) string {
	return fmt.Sprintf("%s:%s:%s_hop_%d", local, remote, sessionID, hop)
}
