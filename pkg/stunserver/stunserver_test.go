package stunserver

import (
	"context"
	"net"
	"testing"
	"time"

	"wireplug.org/wireplug/pkg/wireplugproto"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	srv, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	return srv.conn.LocalAddr().String(), func() {
		cancel()
		srv.Close()
	}
}

func TestStunServerSamePort(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	localPort := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	req := wireplugproto.StunRequest{Port: localPort}
	if _, err := conn.Write(req.Encode()); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := wireplugproto.DecodeStunResponse(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Kind != wireplugproto.StunSamePort {
		t.Errorf("expected SamePort, got %v", resp.Kind)
	}
}

func TestStunServerDifferentPort(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Declare an obviously wrong port so the server observes a mismatch.
	req := wireplugproto.StunRequest{Port: 1}
	if _, err := conn.Write(req.Encode()); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	resp, err := wireplugproto.DecodeStunResponse(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Kind != wireplugproto.StunDifferentPort {
		t.Errorf("expected DifferentPort, got %v", resp.Kind)
	}
	localPort := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	if resp.Observed != localPort {
		t.Errorf("expected observed port %d, got %d", localPort, resp.Observed)
	}
}

func TestStunServerDropsMalformedDatagram(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0xff, 0xff}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 1024)
	if _, err := conn.Read(buf); err == nil {
		t.Errorf("expected no reply to a malformed datagram")
	}
}
