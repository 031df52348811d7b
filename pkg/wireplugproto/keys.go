// Package wireplugproto implements the Wireplug_V1 wire protocol: the
// framed, versioned request/response codec shared by the rendezvous
// server, the STUN reflector, and the client daemon.
package wireplugproto

// ProtocolVersion is the tag every Wireplug_V1 message carries.
const ProtocolVersion = "Wireplug_V1"

// WGKey is a WireGuard public key in its 44-character base64 form.
// It is validated, never decoded — Wireplug trusts the WireGuard
// handshake for identity and only needs the key as an opaque label.
type WGKey string

// Valid reports whether k has the shape of a WireGuard public key:
// 44 characters drawn from the base64 alphabet (including padding).
func (k WGKey) Valid() bool {
	if len(k) != 44 {
		return false
	}
	for _, c := range string(k) {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}

func (k WGKey) String() string { return string(k) }
