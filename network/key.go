package network

import "time"

// TimeProvider abstracts time operations so key expiry is testable
// without waiting. Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// systemTime uses the standard library clock.
type systemTime struct{}

func (systemTime) Now() time.Time                  { return time.Now() }
func (systemTime) Since(t time.Time) time.Duration { return time.Since(t) }

// Key is one successfully distributed key as stored at the
// destination.
type Key struct {
	// Bytes is the key material.
	Bytes []byte
	// SessionID identifies the distribution that produced the key.
	SessionID string
	// Source and Destination are the path endpoints.
	Source      string
	Destination string
	// Path is the node sequence the key travelled.
	Path []string
	// CreatedAt is when the distribution completed.
	CreatedAt time.Time
	// TTL bounds the key's lifetime; the key expires once the time
	// since CreatedAt exceeds it.
	TTL time.Duration
}

// Hops is the number of edges the key travelled.
func (k *Key) Hops() int {
	if len(k.Path) < 2 {
		return 0
	}
	return len(k.Path) - 1
}

// Expired reports whether the key's lifetime has elapsed according to
// the given clock.
func (k *Key) Expired(tp TimeProvider) bool {
	return tp.Since(k.CreatedAt) > k.TTL
}

// clone returns an independent copy so stored keys cannot be mutated
// through a returned pointer.
func (k *Key) clone() *Key {
	c := *k
	c.Bytes = append([]byte(nil), k.Bytes...)
	c.Path = append([]string(nil), k.Path...)
	return &c
}
