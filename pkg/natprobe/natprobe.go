// Package natprobe classifies the local NAT's port-mapping behaviour by
// sending two sequential Wireplug STUN probes from a single bound UDP
// socket to two distinct reflector addresses and comparing the results.
package natprobe

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"wireplug.org/wireplug/pkg/wireplugproto"
)

// ReadTimeout is the socket read deadline applied to each probe (§4.B).
const ReadTimeout = 500 * time.Millisecond

var tracer = otel.Tracer("wireplug.natprobe")

// VerdictKind enumerates the classifier's possible outcomes.
type VerdictKind int

const (
	// Easy is an endpoint-independent mapping that preserves the local port.
	Easy VerdictKind = iota
	// FixedPortMapping is endpoint-independent but rewrites to a fixed
	// external port different from the local one.
	FixedPortMapping
	// Hard is a destination-dependent (symmetric) mapping.
	Hard
	// InconsistentNat means the two probes disagreed on whether the port
	// changed at all — a protocol error, not a NAT classification.
	InconsistentNat
)

func (k VerdictKind) String() string {
	switch k {
	case Easy:
		return "Easy"
	case FixedPortMapping:
		return "FixedPortMapping"
	case Hard:
		return "Hard"
	case InconsistentNat:
		return "InconsistentNat"
	default:
		return "Unknown"
	}
}

// Verdict is the outcome of a classification run. Local and Observed are
// only meaningful for FixedPortMapping.
type Verdict struct {
	Kind     VerdictKind
	Local    uint16
	Observed uint16
}

// Classify binds a fresh UDP socket to localPort, sends a Wireplug STUN
// request declaring that port to reflector1 then reflector2 in sequence,
// and derives a Verdict from the verdict table in §4.B. A probe timeout
// (read deadline expiry or any other I/O failure) is returned as an
// error, never folded into Hard — callers must treat it as a transient
// failure of the cycle, not a NAT classification.
func Classify(ctx context.Context, localPort uint16, reflector1, reflector2 string) (Verdict, error) {
	_, span := tracer.Start(ctx, "natprobe.classify")
	defer span.End()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(localPort)})
	if err != nil {
		return Verdict{}, fmt.Errorf("natprobe: bind local port %d: %w", localPort, err)
	}
	defer conn.Close()

	r1, err := probe(conn, localPort, reflector1)
	if err != nil {
		return Verdict{}, fmt.Errorf("natprobe: probe 1 (%s): %w", reflector1, err)
	}
	r2, err := probe(conn, localPort, reflector2)
	if err != nil {
		return Verdict{}, fmt.Errorf("natprobe: probe 2 (%s): %w", reflector2, err)
	}

	v := verdictFrom(localPort, r1, r2)
	span.SetAttributes(attribute.String("natprobe.verdict", v.Kind.String()))
	return v, nil
}

// verdictFrom implements the §4.B verdict table exactly.
func verdictFrom(local uint16, r1, r2 wireplugproto.StunResponse) Verdict {
	same1 := r1.Kind == wireplugproto.StunSamePort
	same2 := r2.Kind == wireplugproto.StunSamePort

	switch {
	case same1 && same2:
		return Verdict{Kind: Easy}
	case !same1 && !same2:
		if r1.Observed == r2.Observed {
			return Verdict{Kind: FixedPortMapping, Local: local, Observed: r1.Observed}
		}
		return Verdict{Kind: Hard}
	default:
		return Verdict{Kind: InconsistentNat}
	}
}

// probe sends a single Wireplug STUN request declaring localPort over
// conn to reflectorAddr and decodes the reply, rejecting any datagram
// whose sender IP is not the resolved reflector's IP (the sender port is
// not compared) — the anti-spoofing check carried over from the
// teacher's STUN client.
func probe(conn *net.UDPConn, localPort uint16, reflectorAddr string) (wireplugproto.StunResponse, error) {
	raddr, err := net.ResolveUDPAddr("udp4", reflectorAddr)
	if err != nil {
		return wireplugproto.StunResponse{}, fmt.Errorf("resolve reflector %q: %w", reflectorAddr, err)
	}

	req := wireplugproto.StunRequest{Port: localPort}
	if _, err := conn.WriteToUDP(req.Encode(), raddr); err != nil {
		return wireplugproto.StunResponse{}, fmt.Errorf("send probe: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return wireplugproto.StunResponse{}, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, 1024)
	n, sender, err := conn.ReadFromUDP(buf)
	if err != nil {
		return wireplugproto.StunResponse{}, fmt.Errorf("read probe response: %w", err)
	}
	if sender == nil || !sender.IP.Equal(raddr.IP) {
		return wireplugproto.StunResponse{}, fmt.Errorf("response from unexpected sender %v (expected %v)", sender, raddr.IP)
	}

	return wireplugproto.DecodeStunResponse(buf[:n])
}
