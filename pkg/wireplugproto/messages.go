package wireplugproto

import (
	"fmt"
	"net/netip"
)

// EndpointKind discriminates the three WireplugEndpoint variants (§3).
type EndpointKind uint32

const (
	EndpointUnknown EndpointKind = iota
	EndpointLocalNetwork
	EndpointRemoteNetwork
)

// Endpoint is the tagged union a rendezvous Response reports for each
// requested peer. At most one group of the LocalNetwork/RemoteNetwork
// fields is meaningful (none for Unknown), selected by Kind; consumers must switch on Kind rather
// than testing field zero-values (an empty LanAddrs is a valid
// LocalNetwork payload).
type Endpoint struct {
	Kind EndpointKind

	// LocalNetwork fields.
	LanAddrs   []string
	ListenPort uint16

	// RemoteNetwork field.
	Addr netip.AddrPort
}

// UnknownEndpoint returns the Unknown variant.
func UnknownEndpoint() Endpoint { return Endpoint{Kind: EndpointUnknown} }

// LocalNetworkEndpoint returns the LocalNetwork variant.
func LocalNetworkEndpoint(lanAddrs []string, listenPort uint16) Endpoint {
	return Endpoint{Kind: EndpointLocalNetwork, LanAddrs: lanAddrs, ListenPort: listenPort}
}

// RemoteNetworkEndpoint returns the RemoteNetwork variant.
func RemoteNetworkEndpoint(addr netip.AddrPort) Endpoint {
	return Endpoint{Kind: EndpointRemoteNetwork, Addr: addr}
}

func (e Endpoint) encode(enc *Encoder) {
	enc.PutUint32(uint32(e.Kind))
	switch e.Kind {
	case EndpointUnknown:
	case EndpointLocalNetwork:
		enc.PutStringSlice(e.LanAddrs)
		enc.PutUint16(e.ListenPort)
	case EndpointRemoteNetwork:
		encodeAddrPort(enc, e.Addr)
	}
}

func decodeEndpoint(dec *Decoder) (Endpoint, error) {
	kind, err := dec.Uint32()
	if err != nil {
		return Endpoint{}, err
	}
	switch EndpointKind(kind) {
	case EndpointUnknown:
		return UnknownEndpoint(), nil
	case EndpointLocalNetwork:
		lanAddrs, err := dec.StringSlice()
		if err != nil {
			return Endpoint{}, err
		}
		port, err := dec.Uint16()
		if err != nil {
			return Endpoint{}, err
		}
		return LocalNetworkEndpoint(lanAddrs, port), nil
	case EndpointRemoteNetwork:
		addr, err := decodeAddrPort(dec)
		if err != nil {
			return Endpoint{}, err
		}
		return RemoteNetworkEndpoint(addr), nil
	default:
		return Endpoint{}, fmt.Errorf("wireplugproto: unknown endpoint discriminant %d", kind)
	}
}

func encodeAddrPort(enc *Encoder, ap netip.AddrPort) {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		enc.PutRawBytes([]byte{4})
		b := addr.As4()
		enc.PutRawBytes(b[:])
	} else {
		enc.PutRawBytes([]byte{6})
		b := addr.As16()
		enc.PutRawBytes(b[:])
	}
	enc.PutUint16(ap.Port())
}

func decodeAddrPort(dec *Decoder) (netip.AddrPort, error) {
	fam, err := dec.take1()
	if err != nil {
		return netip.AddrPort{}, err
	}
	var addr netip.Addr
	switch fam {
	case 4:
		b, err := dec.takeN(4)
		if err != nil {
			return netip.AddrPort{}, err
		}
		addr = netip.AddrFrom4([4]byte(b))
	case 6:
		b, err := dec.takeN(16)
		if err != nil {
			return netip.AddrPort{}, err
		}
		addr = netip.AddrFrom16([16]byte(b))
	default:
		return netip.AddrPort{}, fmt.Errorf("wireplugproto: unknown address family %d", fam)
	}
	port, err := dec.Uint16()
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}

func (d *Decoder) take1() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) takeN(n int) ([]byte, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Announcement is the client->server message of §3/§4.A.
type Announcement struct {
	InitiatorPubkey WGKey
	PeerPubkeys     []WGKey
	ListenPort      uint16
	LanAddrs        []string
	HasLanAddrs     bool
}

// Valid enforces the predicate from §3: protocol tag (implicit, since
// callers only reach this after a successful decode carries the
// matching proto string), every key valid, and the listen port in the
// user range.
func (a Announcement) Valid() bool {
	if !a.InitiatorPubkey.Valid() {
		return false
	}
	for _, p := range a.PeerPubkeys {
		if !p.Valid() {
			return false
		}
	}
	return a.ListenPort >= 1024
}

// Encode serializes the announcement to its wire form.
func (a Announcement) Encode() []byte {
	enc := NewEncoder()
	enc.PutString(ProtocolVersion)
	enc.PutString(string(a.InitiatorPubkey))
	peers := make([]string, len(a.PeerPubkeys))
	for i, p := range a.PeerPubkeys {
		peers[i] = string(p)
	}
	enc.PutStringSlice(peers)
	enc.PutUint16(a.ListenPort)
	enc.PutOptionStringSlice(a.LanAddrs, a.HasLanAddrs)
	return enc.Bytes()
}

// DecodeAnnouncement parses an Announcement off the wire. The protocol
// tag is checked here; everything else is left for Valid() per §4.A
// ("the server MUST call valid() ... before using any field other than
// the protocol tag").
func DecodeAnnouncement(buf []byte) (Announcement, error) {
	dec := NewDecoder(buf)
	proto, err := dec.String()
	if err != nil {
		return Announcement{}, err
	}
	if proto != ProtocolVersion {
		return Announcement{}, fmt.Errorf("wireplugproto: unsupported protocol tag %q", proto)
	}
	initiator, err := dec.String()
	if err != nil {
		return Announcement{}, err
	}
	peerStrs, err := dec.StringSlice()
	if err != nil {
		return Announcement{}, err
	}
	listenPort, err := dec.Uint16()
	if err != nil {
		return Announcement{}, err
	}
	lanAddrs, hasLan, err := dec.OptionStringSlice()
	if err != nil {
		return Announcement{}, err
	}

	peers := make([]WGKey, len(peerStrs))
	for i, p := range peerStrs {
		peers[i] = WGKey(p)
	}

	return Announcement{
		InitiatorPubkey: WGKey(initiator),
		PeerPubkeys:     peers,
		ListenPort:      listenPort,
		LanAddrs:        lanAddrs,
		HasLanAddrs:     hasLan,
	}, nil
}

// Response is the server->client message carrying resolved endpoints.
type Response struct {
	PeerEndpoints map[WGKey]Endpoint
}

// Valid always reports true: the protocol tag is already checked by
// DecodeResponse, and no other field is validated. Callers still check
// it before trusting PeerEndpoints (§4.F: "a successful response whose
// valid() returns false is treated as a hard failure").
func (r Response) Valid() bool { return true }

// Encode serializes the response to its wire form.
func (r Response) Encode() []byte {
	enc := NewEncoder()
	enc.PutString(ProtocolVersion)
	enc.PutUint32(uint32(len(r.PeerEndpoints)))
	for k, v := range r.PeerEndpoints {
		enc.PutString(string(k))
		v.encode(enc)
	}
	return enc.Bytes()
}

// DecodeResponse parses a Response off the wire.
func DecodeResponse(buf []byte) (Response, error) {
	dec := NewDecoder(buf)
	proto, err := dec.String()
	if err != nil {
		return Response{}, err
	}
	if proto != ProtocolVersion {
		return Response{}, fmt.Errorf("wireplugproto: unsupported protocol tag %q", proto)
	}
	n, err := dec.Uint32()
	if err != nil {
		return Response{}, err
	}
	// Every entry carries at least a 4-byte key length and a 4-byte
	// endpoint discriminant.
	if uint64(n)*8 > uint64(dec.Remaining()) {
		return Response{}, errShort
	}
	out := make(map[WGKey]Endpoint, n)
	for i := uint32(0); i < n; i++ {
		k, err := dec.String()
		if err != nil {
			return Response{}, err
		}
		v, err := decodeEndpoint(dec)
		if err != nil {
			return Response{}, err
		}
		out[WGKey(k)] = v
	}
	return Response{PeerEndpoints: out}, nil
}

// StunRequest is the single-datagram STUN-like probe of §3/§4.B. Port is
// the local bind port the client declares; the reflector compares it
// against the observed UDP source port.
type StunRequest struct {
	Port uint16
}

// Encode serializes the request for a single UDP datagram.
func (r StunRequest) Encode() []byte {
	enc := NewEncoder()
	enc.PutString(ProtocolVersion)
	enc.PutUint16(r.Port)
	return enc.Bytes()
}

// DecodeStunRequest parses a StunRequest off the wire.
func DecodeStunRequest(buf []byte) (StunRequest, error) {
	dec := NewDecoder(buf)
	proto, err := dec.String()
	if err != nil {
		return StunRequest{}, err
	}
	if proto != ProtocolVersion {
		return StunRequest{}, fmt.Errorf("wireplugproto: unsupported protocol tag %q", proto)
	}
	port, err := dec.Uint16()
	if err != nil {
		return StunRequest{}, err
	}
	return StunRequest{Port: port}, nil
}

// StunResultKind discriminates SamePort/DifferentPort.
type StunResultKind uint32

const (
	StunSamePort StunResultKind = iota
	StunDifferentPort
)

// StunResponse reports how the reflector observed the client's source
// port relative to the port declared in the request.
type StunResponse struct {
	Kind     StunResultKind
	Observed uint16 // meaningful only when Kind == StunDifferentPort
}

// SamePortResponse builds the SamePort result.
func SamePortResponse() StunResponse { return StunResponse{Kind: StunSamePort} }

// DifferentPortResponse builds the DifferentPort(observed) result.
func DifferentPortResponse(observed uint16) StunResponse {
	return StunResponse{Kind: StunDifferentPort, Observed: observed}
}

// Encode serializes the response for a single UDP datagram.
func (r StunResponse) Encode() []byte {
	enc := NewEncoder()
	enc.PutUint32(uint32(r.Kind))
	if r.Kind == StunDifferentPort {
		enc.PutUint16(r.Observed)
	}
	return enc.Bytes()
}

// DecodeStunResponse parses a StunResponse off the wire.
func DecodeStunResponse(buf []byte) (StunResponse, error) {
	dec := NewDecoder(buf)
	kind, err := dec.Uint32()
	if err != nil {
		return StunResponse{}, err
	}
	switch StunResultKind(kind) {
	case StunSamePort:
		return SamePortResponse(), nil
	case StunDifferentPort:
		port, err := dec.Uint16()
		if err != nil {
			return StunResponse{}, err
		}
		return DifferentPortResponse(port), nil
	default:
		return StunResponse{}, fmt.Errorf("wireplugproto: unknown stun result discriminant %d", kind)
	}
}
