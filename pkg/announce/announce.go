// Package announce implements the client side of the rendezvous
// protocol: a TLS connection to the coordination host carrying one
// framed Announcement and reading back one framed Response, with
// bounded retry (§4.F).
package announce

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"time"

	"wireplug.org/wireplug/pkg/wireplugproto"
)

// MaxRetries bounds the number of connection attempts per call (§4.F, §6).
const MaxRetries = 3

// RetryBackoff is the pause between failed attempts (§4.F).
const RetryBackoff = 5 * time.Second

// SocketTimeout bounds every read and write on the announce connection
// (§4.F, §6).
const SocketTimeout = 1 * time.Second

// Client announces a host's WireGuard state to a rendezvous server and
// returns the peer endpoints it resolves.
type Client struct {
	// Addr is the rendezvous host:port, e.g. "wireplug.org:443". The
	// system trust store is always used for certificate verification.
	Addr string
}

// New returns a Client targeting addr.
func New(addr string) *Client {
	return &Client{Addr: addr}
}

// Send announces initiator's current listen port, LAN addresses, and
// the peers it wants to discover, making up to MaxRetries attempts in
// total on transport failure with RetryBackoff between attempts. A response that
// decodes but fails Valid() is a hard failure: it is returned as an
// error immediately, with no further retry (§4.F).
func (c *Client) Send(ctx context.Context, a wireplugproto.Announcement) (wireplugproto.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		resp, err := c.attempt(ctx, a)
		if err == nil {
			return resp, nil
		}
		if _, hard := err.(*invalidResponseError); hard {
			return wireplugproto.Response{}, err
		}
		lastErr = err
		log.Printf("[Announce] attempt %d/%d to %s failed: %v", attempt, MaxRetries, c.Addr, err)
		if attempt < MaxRetries {
			select {
			case <-time.After(RetryBackoff):
			case <-ctx.Done():
				return wireplugproto.Response{}, ctx.Err()
			}
		}
	}
	return wireplugproto.Response{}, fmt.Errorf("announce: exhausted %d attempts to %s: %w", MaxRetries, c.Addr, lastErr)
}

type invalidResponseError struct{ addr string }

func (e *invalidResponseError) Error() string {
	return fmt.Sprintf("announce: response from %s failed validation", e.addr)
}

func (c *Client) attempt(ctx context.Context, a wireplugproto.Announcement) (wireplugproto.Response, error) {
	host, _, err := net.SplitHostPort(c.Addr)
	if err != nil {
		host = c.Addr
	}

	dialer := &net.Dialer{Timeout: SocketTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return wireplugproto.Response{}, fmt.Errorf("announce: dial: %w", err)
	}
	conn := tls.Client(rawConn, &tls.Config{ServerName: host})
	defer conn.Close()

	deadline := time.Now().Add(SocketTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return wireplugproto.Response{}, fmt.Errorf("announce: set deadline: %w", err)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		return wireplugproto.Response{}, fmt.Errorf("announce: tls handshake: %w", err)
	}

	if err := wireplugproto.WriteFrame(conn, a.Encode()); err != nil {
		return wireplugproto.Response{}, fmt.Errorf("announce: write: %w", err)
	}

	payload, err := wireplugproto.ReadFrame(conn)
	if err != nil {
		return wireplugproto.Response{}, fmt.Errorf("announce: read: %w", err)
	}

	resp, err := wireplugproto.DecodeResponse(payload)
	if err != nil {
		return wireplugproto.Response{}, fmt.Errorf("announce: decode: %w", err)
	}
	if !resp.Valid() {
		return wireplugproto.Response{}, &invalidResponseError{addr: c.Addr}
	}
	return resp, nil
}
