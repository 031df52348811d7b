// Package wgctl reads and writes kernel WireGuard state: keys, listen
// port, and peer endpoints, via wgctrl/wgtypes and rtnetlink for L3
// address/route assignment (§4.E).
package wgctl

import (
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/netip"
	"time"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wireplug.org/wireplug/pkg/peeractivity"
	"wireplug.org/wireplug/pkg/wireplugproto"
)

// CommonPKA is the mandatory persistent-keepalive applied to every peer
// (§4.E, §6).
const CommonPKA = 25 * time.Second

// Controller wraps a wgctrl client bound to operations on a single host;
// it is reused across calls for every monitored interface.
type Controller struct {
	client *wgctrl.Client
}

// New opens the underlying wgctrl client.
func New() (*Controller, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wgctl: open wgctrl client: %w", err)
	}
	return &Controller{client: client}, nil
}

// Close releases the wgctrl client.
func (c *Controller) Close() error { return c.client.Close() }

// PeerSpec describes a peer to add during Configure.
type PeerSpec struct {
	Pubkey     wireplugproto.WGKey
	AllowedIPs []string
}

// Config is the optional configuration Configure applies to a fresh
// interface (§4.E).
type Config struct {
	PrivateKey wgtypes.Key
	ListenPort int // 0 selects a random port >= 1024
	Peers      []PeerSpec
	Address    string // CIDR assigned to the interface, e.g. "10.70.0.2/24"
	Route      string // CIDR routed over the interface, e.g. "10.70.0.0/24"
}

// ShowConfig dumps the current keys, listen port, and peer list to the
// log (§4.E).
func (c *Controller) ShowConfig(ifname string) error {
	dev, err := c.client.Device(ifname)
	if err != nil {
		return fmt.Errorf("wgctl: show config: %w", err)
	}
	log.Printf("[WGCtl] === interface %s ===", ifname)
	log.Printf("[WGCtl] public key: %s", dev.PublicKey.String())
	log.Printf("[WGCtl] listen port: %d", dev.ListenPort)
	for _, p := range dev.Peers {
		log.Printf("[WGCtl] peer %s endpoint=%v allowed-ips=%v", p.PublicKey, p.Endpoint, p.AllowedIPs)
	}
	return nil
}

// Configure applies cfg to ifname when non-nil (set private key, listen
// port, add peers with CommonPKA and allowed-IPs, then assign an L3
// address and route); when cfg is nil it re-applies CommonPKA to every
// existing peer without touching anything else (§4.E).
func (c *Controller) Configure(ifname string, cfg *Config) error {
	if cfg == nil {
		return c.reapplyKeepalive(ifname)
	}

	listenPort := cfg.ListenPort
	if listenPort == 0 {
		var err error
		listenPort, err = randomPort()
		if err != nil {
			return fmt.Errorf("wgctl: configure: choose random port: %w", err)
		}
	}

	peers := make([]wgtypes.PeerConfig, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		pubKey, err := wgtypes.ParseKey(string(p.Pubkey))
		if err != nil {
			return fmt.Errorf("wgctl: configure: parse peer key %s: %w", p.Pubkey, err)
		}
		peerCfg := wgtypes.PeerConfig{
			PublicKey:                   pubKey,
			ReplaceAllowedIPs:           true,
			PersistentKeepaliveInterval: durationPtr(CommonPKA),
		}
		for _, cidr := range p.AllowedIPs {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				return fmt.Errorf("wgctl: configure: parse allowed-ip %q: %w", cidr, err)
			}
			peerCfg.AllowedIPs = append(peerCfg.AllowedIPs, *ipNet)
		}
		peers = append(peers, peerCfg)
	}

	err := c.client.ConfigureDevice(ifname, wgtypes.Config{
		PrivateKey:   &cfg.PrivateKey,
		ListenPort:   &listenPort,
		ReplacePeers: true,
		Peers:        peers,
	})
	if err != nil {
		return fmt.Errorf("wgctl: configure: %w", err)
	}
	log.Printf("[WGCtl] configured %s: listen_port=%d peers=%d", ifname, listenPort, len(peers))

	if cfg.Address != "" {
		if err := c.assignAddress(ifname, cfg.Address); err != nil {
			return err
		}
	}
	if cfg.Route != "" {
		if err := c.addRoute(ifname, cfg.Route); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) reapplyKeepalive(ifname string) error {
	dev, err := c.client.Device(ifname)
	if err != nil {
		return fmt.Errorf("wgctl: reapply keepalive: %w", err)
	}
	peers := make([]wgtypes.PeerConfig, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		peers = append(peers, wgtypes.PeerConfig{
			PublicKey:                   p.PublicKey,
			UpdateOnly:                  true,
			PersistentKeepaliveInterval: durationPtr(CommonPKA),
		})
	}
	if err := c.client.ConfigureDevice(ifname, wgtypes.Config{Peers: peers}); err != nil {
		return fmt.Errorf("wgctl: reapply keepalive: %w", err)
	}
	log.Printf("[WGCtl] reapplied keepalive to %d existing peer(s) on %s", len(peers), ifname)
	return nil
}

// assignAddress adds addr (CIDR) to ifname via rtnetlink, then brings
// the link up. macOS/OpenBSD implementations would shell
// out to ifconfig/route instead (§4.E) — this controller targets Linux.
func (c *Controller) assignAddress(ifname, addr string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("wgctl: assign address: %w", err)
	}
	parsed, err := netlink.ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("wgctl: assign address: parse %q: %w", addr, err)
	}
	if err := netlink.AddrAdd(link, parsed); err != nil {
		return fmt.Errorf("wgctl: assign address: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("wgctl: assign address: link up: %w", err)
	}
	log.Printf("[WGCtl] assigned address %s on %s", addr, ifname)
	return nil
}

// addRoute installs a route for cidr over ifname.
func (c *Controller) addRoute(ifname, cidr string) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("wgctl: add route: %w", err)
	}
	_, dst, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("wgctl: add route: parse %q: %w", cidr, err)
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("wgctl: add route: %w", err)
	}
	log.Printf("[WGCtl] added route %s via %s", cidr, ifname)
	return nil
}

// UpdatePort sets the listen port. Racing with the data plane is
// allowed (§4.E).
func (c *Controller) UpdatePort(ifname string, port int) error {
	if err := c.client.ConfigureDevice(ifname, wgtypes.Config{ListenPort: &port}); err != nil {
		return fmt.Errorf("wgctl: update port: %w", err)
	}
	return nil
}

// GetPort returns the current listen port, or ok=false if the interface
// has none configured.
func (c *Controller) GetPort(ifname string) (port int, ok bool, err error) {
	dev, err := c.client.Device(ifname)
	if err != nil {
		return 0, false, fmt.Errorf("wgctl: get port: %w", err)
	}
	if dev.ListenPort == 0 {
		return 0, false, nil
	}
	return dev.ListenPort, true, nil
}

// UpdatePeer sets the endpoint for a single peer without disturbing any
// other attribute (§4.E) — UpdateOnly means this is an incremental patch.
func (c *Controller) UpdatePeer(ifname string, pubkey wireplugproto.WGKey, endpoint netip.AddrPort) error {
	key, err := wgtypes.ParseKey(string(pubkey))
	if err != nil {
		return fmt.Errorf("wgctl: update peer: parse key %s: %w", pubkey, err)
	}
	udpAddr := net.UDPAddrFromAddrPort(endpoint)
	err = c.client.ConfigureDevice(ifname, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:  key,
			UpdateOnly: true,
			Endpoint:   udpAddr,
		}},
	})
	if err != nil {
		return fmt.Errorf("wgctl: update peer %s: %w", pubkey, err)
	}
	return nil
}

// UpdatePeers applies every resolvable endpoint in response.PeerEndpoints
// and returns exactly the pubkeys it actually updated (§4.E, §8
// property 7): Unknown is skipped; LocalNetwork with no lan_addrs is
// skipped; LocalNetwork with a lan_addr uses its IP with the record's
// listen_port; RemoteNetwork is used verbatim.
func (c *Controller) UpdatePeers(ifname string, endpoints map[wireplugproto.WGKey]wireplugproto.Endpoint) ([]wireplugproto.WGKey, error) {
	var updated []wireplugproto.WGKey
	for pubkey, ep := range endpoints {
		target, ok := resolveTarget(ep)
		if !ok {
			continue
		}

		if err := c.UpdatePeer(ifname, pubkey, target); err != nil {
			log.Printf("[WGCtl] update peer %s failed: %v", pubkey, err)
			continue
		}
		updated = append(updated, pubkey)
	}
	return updated, nil
}

// resolveTarget derives the UDP address to install for an endpoint, per
// the dispatch rule of §4.E: Unknown never resolves; LocalNetwork
// resolves only when a lan_addr is present, using its address with the
// endpoint's listen port; RemoteNetwork resolves verbatim.
func resolveTarget(ep wireplugproto.Endpoint) (netip.AddrPort, bool) {
	switch ep.Kind {
	case wireplugproto.EndpointLocalNetwork:
		if len(ep.LanAddrs) == 0 {
			return netip.AddrPort{}, false
		}
		ip, _, err := net.ParseCIDR(ep.LanAddrs[0])
		if err != nil {
			log.Printf("[WGCtl] bad lan_addr %q: %v", ep.LanAddrs[0], err)
			return netip.AddrPort{}, false
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(addr.Unmap(), ep.ListenPort), true
	case wireplugproto.EndpointRemoteNetwork:
		return ep.Addr, true
	default:
		return netip.AddrPort{}, false
	}
}

// GetInactivePeersByRx samples every peer's RX byte counter and
// last-handshake time and returns those the tracker classifies inactive
// (§4.D, §4.E).
func (c *Controller) GetInactivePeersByRx(ifname string, tracker *peeractivity.Tracker) ([]wireplugproto.WGKey, error) {
	dev, err := c.client.Device(ifname)
	if err != nil {
		return nil, fmt.Errorf("wgctl: get inactive peers: %w", err)
	}
	samples := make([]peeractivity.PeerSample, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		samples = append(samples, peeractivity.PeerSample{
			Pubkey:              wireplugproto.WGKey(p.PublicKey.String()),
			RxBytes:             uint64(p.ReceiveBytes),
			HasHandshake:        !p.LastHandshakeTime.IsZero(),
			LastHandshake:       p.LastHandshakeTime,
			PersistentKeepalive: p.PersistentKeepaliveInterval,
		})
	}
	return tracker.Inactive(time.Now(), samples), nil
}

// GetAllPeers returns every peer pubkey on ifname, used to trigger a
// universal re-announcement on WAN change (§4.E).
func (c *Controller) GetAllPeers(ifname string) ([]wireplugproto.WGKey, error) {
	dev, err := c.client.Device(ifname)
	if err != nil {
		return nil, fmt.Errorf("wgctl: get all peers: %w", err)
	}
	keys := make([]wireplugproto.WGKey, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		keys = append(keys, wireplugproto.WGKey(p.PublicKey.String()))
	}
	return keys, nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// randomPort picks a cryptographically random port in [1024, 65535].
func randomPort() (int, error) {
	const lo, hi = 1024, 65535
	n, err := rand.Int(rand.Reader, big.NewInt(hi-lo+1))
	if err != nil {
		return 0, err
	}
	return lo + int(n.Int64()), nil
}
