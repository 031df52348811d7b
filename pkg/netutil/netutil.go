// Package netutil enumerates the host's local-network addresses used to
// populate an Announcement's lan_addrs field (§4.F).
package netutil

import (
	"fmt"
	"net"
)

// LanAddrs returns the non-loopback, non-WireGuard IPv4 CIDRs configured
// on the host, skipping the interface named wgIfName. Enumeration
// failure is the caller's signal to degrade to Option::None rather than
// fail the announcement (§4.G: "failure to enumerate is degraded
// silently to None").
func LanAddrs(wgIfName string) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netutil: list interfaces: %w", err)
	}

	var lanAddrs []string
	for _, iface := range ifaces {
		if iface.Name == wgIfName {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			ones, _ := ipNet.Mask.Size()
			lanAddrs = append(lanAddrs, fmt.Sprintf("%s/%d", ip4.String(), ones))
		}
	}
	return lanAddrs, nil
}
