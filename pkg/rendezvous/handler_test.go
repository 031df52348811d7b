package rendezvous

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"wireplug.org/wireplug/pkg/wireplugproto"
)

// fakeConn adapts net.Pipe to carry a synthetic RemoteAddr, since
// net.Pipe's endpoints report a generic pipe address and the handler
// needs a *net.TCPAddr to derive the source IP.
type fakeConn struct {
	net.Conn
	remote net.Addr
}

func (f *fakeConn) RemoteAddr() net.Addr { return f.remote }

func newFakeConnPair(remoteIP string, remotePort int) (serverSide net.Conn, clientSide net.Conn) {
	server, client := net.Pipe()
	return &fakeConn{Conn: server, remote: &net.TCPAddr{IP: net.ParseIP(remoteIP), Port: remotePort}}, client
}

func TestHandleConnectionOversizePayloadClosesWithoutReply(t *testing.T) {
	store := NewStore()
	srv := &Server{Store: store}

	serverSide, clientSide := newFakeConnPair("203.0.113.5", 53211)

	done := make(chan struct{})
	go func() {
		srv.handleConnection(serverSide)
		close(done)
	}()

	// S3: write u32_le(8192) and never send the declared payload — the
	// server must reject the length before attempting to read the body.
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 8192)
	clientSide.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := clientSide.Write(lenBuf[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not return after oversize length prefix")
	}

	clientSide.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := clientSide.Read(buf); err == nil {
		t.Errorf("expected no reply after an oversize frame")
	}
}

func TestHandleConnectionHappyPathRoundTrip(t *testing.T) {
	store := NewStore()
	srv := &Server{Store: store}

	serverSide, clientSide := newFakeConnPair("203.0.113.5", 53211)

	ann := wireplugproto.Announcement{
		InitiatorPubkey: wireplugproto.WGKey("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
		PeerPubkeys:     []wireplugproto.WGKey{"BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB="},
		ListenPort:      53211,
	}

	done := make(chan struct{})
	go func() {
		srv.handleConnection(serverSide)
		close(done)
	}()

	clientSide.SetWriteDeadline(time.Now().Add(time.Second))
	if err := wireplugproto.WriteFrame(clientSide, ann.Encode()); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := wireplugproto.ReadFrame(clientSide)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	resp, err := wireplugproto.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	ep, ok := resp.PeerEndpoints[ann.PeerPubkeys[0]]
	if !ok || ep.Kind != wireplugproto.EndpointUnknown {
		t.Errorf("expected Unknown endpoint for a peer with no reverse record, got %+v", ep)
	}

	<-done

	rec, ok := store.Get(ann.InitiatorPubkey, ann.PeerPubkeys[0])
	if !ok {
		t.Fatalf("expected record to have been inserted")
	}
	if rec.WanAddr.Port() != 53211 || rec.WanAddr.Addr().String() != "203.0.113.5" {
		t.Errorf("unexpected stored wan addr: %v", rec.WanAddr)
	}
}
