// Package peeractivity tracks per-peer WireGuard RX byte counters to
// detect inactive peers by RX-delta, with a last-handshake-age
// cross-check (§4.D).
package peeractivity

import (
	"time"

	"wireplug.org/wireplug/pkg/wireplugproto"
)

// LastHandshakeMax is the default cross-check threshold (§6).
const LastHandshakeMax = 180 * time.Second

// Tracker caches the last observed RX byte counter per peer. It is not
// safe for concurrent use from multiple goroutines — the control loop
// owns one Tracker per monitored interface (§5: no shared mutable state
// between client threads).
type Tracker struct {
	lastRx map[wireplugproto.WGKey]uint64
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{lastRx: make(map[wireplugproto.WGKey]uint64)}
}

// Update records rxBytes for peer and reports whether the peer is
// active: true iff the peer is new (no prior sample) or rxBytes
// advanced past the previous sample. The latest value is always stored,
// regardless of the verdict (§4.D).
func (t *Tracker) Update(peer wireplugproto.WGKey, rxBytes uint64) bool {
	prev, known := t.lastRx[peer]
	t.lastRx[peer] = rxBytes
	if !known {
		return true
	}
	return rxBytes > prev
}

// PeerSample is the minimal per-peer state the controller hands the
// tracker to classify inactivity (§4.D's secondary last-handshake path).
type PeerSample struct {
	Pubkey              wireplugproto.WGKey
	RxBytes             uint64
	HasHandshake        bool
	LastHandshake       time.Time
	PersistentKeepalive time.Duration
}

// Inactive classifies peers: a peer with an existing RX baseline whose
// RX advanced since the last sample is active. Every other case — no RX
// baseline yet (startup) or RX stalled — falls back to the
// last-handshake-age cross-check, which reports inactive when there is
// no handshake at all, or when the handshake age exceeds the greater of
// the peer's own persistent-keepalive and LastHandshakeMax (§4.D).
func (t *Tracker) Inactive(now time.Time, samples []PeerSample) []wireplugproto.WGKey {
	var inactive []wireplugproto.WGKey
	for _, s := range samples {
		_, known := t.lastRx[s.Pubkey]
		rxAdvanced := t.Update(s.Pubkey, s.RxBytes)

		if known && rxAdvanced {
			continue
		}

		if !s.HasHandshake {
			inactive = append(inactive, s.Pubkey)
			continue
		}

		threshold := LastHandshakeMax
		if s.PersistentKeepalive > threshold {
			threshold = s.PersistentKeepalive
		}
		if now.Sub(s.LastHandshake) > threshold {
			inactive = append(inactive, s.Pubkey)
		}
	}
	return inactive
}
