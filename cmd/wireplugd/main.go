// wireplugd is the client daemon: it monitors one WireGuard interface,
// classifies the local NAT, announces itself to the rendezvous host, and
// rewrites peer endpoints as the network and peer activity change (§4.G).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wireplug.org/wireplug/pkg/agent"
	"wireplug.org/wireplug/pkg/announce"
	"wireplug.org/wireplug/pkg/netmon"
	"wireplug.org/wireplug/pkg/netutil"
	wireplugotel "wireplug.org/wireplug/pkg/otel"
	"wireplug.org/wireplug/pkg/wgctl"
	"wireplug.org/wireplug/pkg/wireplugproto"
	"wireplug.org/wireplug/pkg/wplog"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	defaultRendezvousAddr = "wireplug.org:443"
	defaultReflector1     = "stun1.wireplug.org:3478"
	defaultReflector2     = "stun2.wireplug.org:3478"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath     string
		noNAT          bool
		generateConfig bool
		logLevel       string
	)

	fs := flag.NewFlagSet("wireplugd", flag.ContinueOnError)
	fs.StringVar(&configPath, "c", "", "path to the interface config file (default <interface_name>.conf)")
	fs.StringVar(&configPath, "config", "", "path to the interface config file (default <interface_name>.conf)")
	fs.BoolVar(&noNAT, "no-nat", false, "disable NAT traversal (skip STUN classification)")
	fs.BoolVar(&generateConfig, "generate-config", false, "write an example config for interface_name and exit")
	fs.StringVar(&logLevel, "l", "", "log verbosity: default|medium|high")
	fs.StringVar(&logLevel, "log-level", "", "log verbosity: default|medium|high")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: wireplugd [flags] interface_name")
		fs.PrintDefaults()
		return 1
	}
	ifname := fs.Arg(0)

	level, err := wplog.ParseLevel(logLevel)
	if err != nil {
		log.Printf("[Agent] %v", err)
		return 1
	}
	wplog.SetLevel(level)

	otelShutdown, err := wireplugotel.Init(context.Background(), "wireplugd", version)
	if err != nil {
		log.Printf("[Agent] OTel init failed, continuing without telemetry: %v", err)
	} else {
		defer otelShutdown(context.Background())
	}

	if generateConfig {
		if err := agent.WriteExampleConfig(ifname); err != nil {
			log.Printf("[Agent] %v", err)
			return 1
		}
		log.Printf("[Agent] wrote %s.conf", ifname)
		return 0
	}

	if configPath == "" {
		configPath = ifname + ".conf"
	}
	cfg, err := agent.ReadConfigFile(configPath)
	if err != nil {
		log.Printf("[Agent] %v", err)
		return 1
	}

	initiator := wireplugproto.WGKey(cfg.Interface.PublicKey)
	peers := make([]wireplugproto.WGKey, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, wireplugproto.WGKey(p.PublicKey))
	}

	ctl, err := wgctl.New()
	if err != nil {
		log.Printf("[Agent] %v", err)
		return 1
	}
	defer ctl.Close()

	if err := applyInterfaceConfig(ctl, ifname, cfg); err != nil {
		log.Printf("[Agent] %v", err)
		return 1
	}
	if err := ctl.ShowConfig(ifname); err != nil {
		log.Printf("[Agent] show config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loop := agent.NewLoop(agent.Options{
		Ifname:          ifname,
		InitiatorPubkey: initiator,
		PeerPubkeys:     peers,
		TraverseNAT:     !noNAT,
		RendezvousAddr:  defaultRendezvousAddr,
		Reflector1:      defaultReflector1,
		Reflector2:      defaultReflector2,
		WGCtl:           ctl,
		Announce:        announce.New(defaultRendezvousAddr),
		NetMon:          netmon.New(netutil.DetectWAN),
	})

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Agent] control loop exited: %v", err)
		return 1
	}
	return 0
}

// applyInterfaceConfig pushes the loaded TOML config into the kernel
// WireGuard device (§4.E "configure"): private key, peers with their
// allowed-IPs, and the interface's L3 address/route. The control loop
// that follows only ever touches listen port and peer endpoints, so
// this is the one place the rest of Config actually reaches the kernel.
func applyInterfaceConfig(ctl *wgctl.Controller, ifname string, cfg agent.Config) error {
	privKey, err := wgtypes.ParseKey(cfg.Interface.PrivateKey)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	peers := make([]wgctl.PeerSpec, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, wgctl.PeerSpec{
			Pubkey:     wireplugproto.WGKey(p.PublicKey),
			AllowedIPs: splitAllowedIPs(p.AllowedIPs),
		})
	}

	var route string
	if cfg.Interface.Address != "" {
		if _, network, err := net.ParseCIDR(cfg.Interface.Address); err == nil {
			route = network.String()
		}
	}

	if err := ctl.Configure(ifname, &wgctl.Config{
		PrivateKey: privKey,
		Peers:      peers,
		Address:    cfg.Interface.Address,
		Route:      route,
	}); err != nil {
		return fmt.Errorf("configure %s: %w", ifname, err)
	}
	return nil
}

// splitAllowedIPs parses a Peer.AllowedIPs value (a comma-separated CIDR
// list, matching wg-quick's own config convention) into its elements.
func splitAllowedIPs(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
