package netutil

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"wireplug.org/wireplug/pkg/netmon"
)

// wanIPEchoHost is the HTTPS IP-echo service used to determine the
// host's own WAN IPv4 address (original_source's get_ip_over_https).
// DetectWAN queries only this service; no DNS-based probe precedes it.
const wanIPEchoHost = "https://api.ipify.org"

var wanIPClient = &http.Client{Timeout: 2 * time.Second}

// DetectWAN queries the IP-echo service and returns the current NetInfo,
// or an offline NetInfo on any failure — acquisition failure degrades to
// "no WAN detected" rather than propagating an error, matching the
// original client's best-effort probe.
func DetectWAN() netmon.NetInfo {
	resp, err := wanIPClient.Get(wanIPEchoHost)
	if err != nil {
		return netmon.NetInfo{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return netmon.NetInfo{}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return netmon.NetInfo{}
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return netmon.NetInfo{}
	}
	return netmon.NetInfo{WanIP4: ip}
}
