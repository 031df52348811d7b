// Package stunserver implements the Wireplug STUN-like UDP reflector
// (§4.J): for every datagram it compares the client's declared local
// port against the observed UDP source port and replies SamePort or
// DifferentPort(observed).
package stunserver

import (
	"context"
	"log"
	"net"
	"net/netip"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"wireplug.org/wireplug/pkg/ratelimit"
	"wireplug.org/wireplug/pkg/wireplugproto"
)

var meter = otel.Meter("wireplug.stunserver")

// Server reflects Wireplug STUN probes on a single bound UDP socket.
// A per-source-IP token bucket keeps a single misbehaving or spoofed
// peer from drowning out the reflector for everyone else.
type Server struct {
	conn    *net.UDPConn
	limiter *ratelimit.IPRateLimiter
}

// Listen binds a UDP socket at addr (e.g. ":4455").
func Listen(addr string) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Server{conn: conn, limiter: ratelimit.NewDefault()}, nil
}

// Close shuts down the listening socket.
func (s *Server) Close() error { return s.conn.Close() }

// Serve reads datagrams until ctx is cancelled or the socket errors.
// Each datagram is processed independently and must not serialise
// between clients (§4.J); a decode error is logged and the datagram is
// dropped silently, never causing the reflector to stop.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	requestsCounter, _ := meter.Int64Counter("wireplug.stunserver.requests")
	decodeErrCounter, _ := meter.Int64Counter("wireplug.stunserver.decode_errors")
	throttledCounter, _ := meter.Int64Counter("wireplug.stunserver.throttled")

	buf := make([]byte, 1024)
	for {
		n, clientAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		srcAddr, ok := netip.AddrFromSlice(clientAddr.IP)
		if !ok || !s.limiter.Allow(srcAddr) {
			throttledCounter.Add(ctx, 1)
			continue
		}
		requestsCounter.Add(ctx, 1)
		go s.handleDatagram(ctx, append([]byte(nil), buf[:n]...), clientAddr, decodeErrCounter)
	}
}

func (s *Server) handleDatagram(ctx context.Context, data []byte, clientAddr *net.UDPAddr, decodeErrCounter metric.Int64Counter) {
	req, err := wireplugproto.DecodeStunRequest(data)
	if err != nil {
		log.Printf("[STUN] decode error from %s: %v", clientAddr, err)
		decodeErrCounter.Add(ctx, 1)
		return
	}

	observed := uint16(clientAddr.Port)
	var resp wireplugproto.StunResponse
	if observed == req.Port {
		resp = wireplugproto.SamePortResponse()
	} else {
		resp = wireplugproto.DifferentPortResponse(observed)
	}

	if _, err := s.conn.WriteToUDP(resp.Encode(), clientAddr); err != nil {
		log.Printf("[STUN] write to %s failed: %v", clientAddr, err)
	}
}
