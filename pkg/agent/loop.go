// Package agent implements the client daemon control loop: per §4.G,
// one goroutine per monitored interface driving NAT classification,
// inactivity detection, and re-announcement.
package agent

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"wireplug.org/wireplug/pkg/announce"
	"wireplug.org/wireplug/pkg/natprobe"
	"wireplug.org/wireplug/pkg/netmon"
	"wireplug.org/wireplug/pkg/netutil"
	"wireplug.org/wireplug/pkg/peeractivity"
	"wireplug.org/wireplug/pkg/wgctl"
	"wireplug.org/wireplug/pkg/wireplugproto"
	"wireplug.org/wireplug/pkg/wplog"
)

// MonitoringInterval is the idle loop cadence (§6).
const MonitoringInterval = 10 * time.Second

// InactiveCheckInterval is how often RX-based inactivity is re-sampled
// outside of a port change (§4.G: "periodic inactivity check (every 25s)").
const InactiveCheckInterval = 25 * time.Second

// PostUpdateDelay is the pause after a successful announcement, giving
// WireGuard time to complete a handshake before the next cycle samples
// activity (§4.G).
const PostUpdateDelay = 5 * time.Second

// PortReleaseDelay gives the OS time to release the previous UDP port
// binding before the new one is committed (§4.G).
const PortReleaseDelay = 3 * time.Second

// OfflineBackoff is the sleep applied while the network is Offline or
// stuck on a Hard NAT verdict (§4.G).
const OfflineBackoff = 5 * time.Second

var logTag = wplog.Tag("Agent")

// Options configures one Loop instance.
type Options struct {
	Ifname          string
	InitiatorPubkey wireplugproto.WGKey
	PeerPubkeys     []wireplugproto.WGKey
	TraverseNAT     bool

	RendezvousAddr string
	Reflector1     string
	Reflector2     string

	WGCtl    *wgctl.Controller
	Announce *announce.Client
	NetMon   *netmon.Monitor
	Tracker  *peeractivity.Tracker
}

// Loop drives one monitored interface until ctx is cancelled.
type Loop struct {
	opts Options

	inactivePeers       []wireplugproto.WGKey
	nextInactivityCheck time.Time
}

// NewLoop builds a Loop from opts, wiring defaults for any nil
// collaborator.
func NewLoop(opts Options) *Loop {
	if opts.Tracker == nil {
		opts.Tracker = peeractivity.New()
	}
	return &Loop{opts: opts}
}

// Run executes the control loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	logTag("monitoring interface %s nat-traversal=%v", l.opts.Ifname, l.opts.TraverseNAT)
	l.nextInactivityCheck = time.Now().Add(InactiveCheckInterval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sleep := l.tick(ctx)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tick runs one iteration of the §4.G pseudocode and returns how long to
// sleep before the next one.
func (l *Loop) tick(ctx context.Context) time.Duration {
	status := l.opts.NetMon.Status()
	switch status {
	case netmon.StatusOffline, netmon.StatusHardNat:
		return OfflineBackoff
	}

	if status == netmon.StatusChangedToNew {
		if !l.handleNewAddress(ctx) {
			return OfflineBackoff
		}
	}

	if time.Now().After(l.nextInactivityCheck) {
		l.nextInactivityCheck = time.Now().Add(InactiveCheckInterval)
		inactive, err := l.opts.WGCtl.GetInactivePeersByRx(l.opts.Ifname, l.opts.Tracker)
		if err != nil {
			logTag("inactivity sample failed: %v", err)
		} else {
			l.inactivePeers = inactive
		}
	}

	if len(l.inactivePeers) > 0 {
		l.announceInactive(ctx)
	} else {
		wplog.At(wplog.LevelMedium, "Agent", "%s: all peers active", l.opts.Ifname)
	}

	return MonitoringInterval
}

// handleNewAddress implements the ChangedToNew branch: picks a fresh
// port, optionally classifies the NAT, commits the port to the kernel,
// and marks every peer inactive for re-announcement. Returns false when
// the branch ends in a Hard or InconsistentNat verdict or any step
// fails (caller backs off without continuing the rest of the cycle).
func (l *Loop) handleNewAddress(ctx context.Context) bool {
	newPort, err := randomPort()
	if err != nil {
		logTag("failed to choose a random port: %v", err)
		return false
	}

	announcePort := newPort
	if l.opts.TraverseNAT {
		verdict, err := natprobe.Classify(ctx, uint16(newPort), l.opts.Reflector1, l.opts.Reflector2)
		if err != nil {
			logTag("NAT classification failed: %v", err)
			return false
		}
		logTag("NAT verdict: %s", verdict.Kind)
		switch verdict.Kind {
		case natprobe.Easy:
			announcePort = newPort
		case natprobe.FixedPortMapping:
			announcePort = int(verdict.Observed)
		case natprobe.Hard, natprobe.InconsistentNat:
			l.opts.NetMon.SetHardNat(true)
			return false
		}
	}

	time.Sleep(PortReleaseDelay)
	if err := l.opts.WGCtl.UpdatePort(l.opts.Ifname, announcePort); err != nil {
		logTag("update_port failed: %v", err)
		return false
	}

	peers, err := l.opts.WGCtl.GetAllPeers(l.opts.Ifname)
	if err != nil {
		logTag("get_all_peers failed: %v", err)
		return false
	}
	l.inactivePeers = peers
	l.nextInactivityCheck = time.Now().Add(InactiveCheckInterval)
	return true
}

// announceInactive sends one announcement for the currently inactive
// peers, using the kernel's current listen port (never a cached value,
// per §4.G) and the host's current LAN addresses.
func (l *Loop) announceInactive(ctx context.Context) {
	port, ok, err := l.opts.WGCtl.GetPort(l.opts.Ifname)
	if err != nil || !ok {
		logTag("cannot announce: no listen port configured on %s", l.opts.Ifname)
		return
	}

	lanAddrs, err := netutil.LanAddrs(l.opts.Ifname)
	hasLan := err == nil
	if err != nil {
		logTag("lan address enumeration failed, announcing without lan_addrs: %v", err)
	}

	a := wireplugproto.Announcement{
		InitiatorPubkey: l.opts.InitiatorPubkey,
		PeerPubkeys:     l.inactivePeers,
		ListenPort:      uint16(port),
		LanAddrs:        lanAddrs,
		HasLanAddrs:     hasLan,
	}

	resp, err := l.opts.Announce.Send(ctx, a)
	if err != nil {
		logTag("announcement failed: %v", err)
		time.Sleep(PostUpdateDelay)
		return
	}

	updated, err := l.opts.WGCtl.UpdatePeers(l.opts.Ifname, resp.PeerEndpoints)
	if err != nil {
		logTag("update_peers failed: %v", err)
		return
	}
	if len(updated) > 0 {
		logTag("updated %d endpoint(s), waiting for peers to attempt handshakes", len(updated))
		l.inactivePeers = dropAcked(l.inactivePeers, updated)
		time.Sleep(PostUpdateDelay)
	}
}

// dropAcked removes every key in acked from pending, preserving order.
func dropAcked(pending, acked []wireplugproto.WGKey) []wireplugproto.WGKey {
	if len(acked) == 0 {
		return pending
	}
	ackedSet := make(map[wireplugproto.WGKey]bool, len(acked))
	for _, k := range acked {
		ackedSet[k] = true
	}
	out := pending[:0:0]
	for _, k := range pending {
		if !ackedSet[k] {
			out = append(out, k)
		}
	}
	return out
}

// randomPort picks a cryptographically random port in [1024, 65535],
// matching wgctl's own helper but kept independent since the control
// loop, not the controller, owns port-selection policy (§4.G).
func randomPort() (int, error) {
	const lo, hi = 1024, 65535
	n, err := rand.Int(rand.Reader, big.NewInt(hi-lo+1))
	if err != nil {
		return 0, err
	}
	return lo + int(n.Int64()), nil
}
