package rendezvous

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"wireplug.org/wireplug/pkg/ratelimit"
	"wireplug.org/wireplug/pkg/wireplugproto"
)

var handlerTracer = otel.Tracer("wireplug.rendezvous")

// Server accepts TLS connections and runs the per-connection protocol
// handler of §4.I against a shared Store.
type Server struct {
	Store    *Store
	listener net.Listener
	limiter  *ratelimit.IPRateLimiter
}

// Listen binds a TLS listener at addr using cfg. Certificate/key loading
// is the caller's responsibility (an external collaborator per
// spec.md §1); cfg must already carry the loaded certificate chain.
func Listen(addr string, cfg *tls.Config, store *Store) (*Server, error) {
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return &Server{Store: store, listener: ln, limiter: ratelimit.NewDefault()}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection runs handleConnection in its own goroutine;
// per-connection errors never affect other connections or the shared
// store (§5 propagation policy).
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		if ip, ok := sourceAddrIP(conn.RemoteAddr()); ok && !s.limiter.Allow(ip) {
			conn.Close()
			continue
		}
		go s.handleConnection(conn)
	}
}

// Close shuts down the listener directly, for callers not driving Serve
// through a cancellable context.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	_, span := handlerTracer.Start(context.Background(), "rendezvous.handle_connection")
	defer span.End()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	payload, err := wireplugproto.ReadFrame(conn)
	if err != nil {
		log.Printf("[Rendezvous] conn %s: frame read failed: %v", connID, err)
		return
	}

	ann, err := wireplugproto.DecodeAnnouncement(payload)
	if err != nil {
		log.Printf("[Rendezvous] conn %s: decode failed: %v", connID, err)
		return
	}
	if !ann.Valid() {
		log.Printf("[Rendezvous] conn %s: invalid announcement from %s, dropping", connID, conn.RemoteAddr())
		return
	}

	sourceIP, ok := sourceAddrIP(conn.RemoteAddr())
	if !ok {
		log.Printf("[Rendezvous] conn %s: could not parse remote address %v", connID, conn.RemoteAddr())
		return
	}
	wanAddr := netip.AddrPortFrom(sourceIP, ann.ListenPort)
	now := time.Now()

	for _, peer := range ann.PeerPubkeys {
		s.Store.Put(ann.InitiatorPubkey, peer, Record{
			WanAddr:   wanAddr,
			LanAddrs:  ann.LanAddrs,
			HasLan:    ann.HasLanAddrs,
			Timestamp: now,
		})
	}

	resp := wireplugproto.Response{PeerEndpoints: make(map[wireplugproto.WGKey]wireplugproto.Endpoint, len(ann.PeerPubkeys))}
	for _, peer := range ann.PeerPubkeys {
		resp.PeerEndpoints[peer] = resolveEndpoint(s.Store, ann.InitiatorPubkey, peer, sourceIP)
	}

	if err := wireplugproto.WriteFrame(conn, resp.Encode()); err != nil {
		log.Printf("[Rendezvous] conn %s: write failed: %v", connID, err)
		return
	}
	log.Printf("[Rendezvous] conn %s: %s announced %d peer(s) from %s", connID, ann.InitiatorPubkey, len(ann.PeerPubkeys), wanAddr)
}

// resolveEndpoint implements step 6 of §4.I: the reverse lookup
// (peer, initiator) determines whether initiator and peer share a WAN IP.
func resolveEndpoint(store *Store, initiator, peer wireplugproto.WGKey, sourceIP netip.Addr) wireplugproto.Endpoint {
	rec, ok := store.Get(peer, initiator)
	if !ok {
		return wireplugproto.UnknownEndpoint()
	}
	if rec.WanAddr.Addr() == sourceIP {
		lan := rec.LanAddrs
		if !rec.HasLan {
			lan = []string{}
		}
		return wireplugproto.LocalNetworkEndpoint(lan, rec.WanAddr.Port())
	}
	return wireplugproto.RemoteNetworkEndpoint(rec.WanAddr)
}

func sourceAddrIP(addr net.Addr) (netip.Addr, bool) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
