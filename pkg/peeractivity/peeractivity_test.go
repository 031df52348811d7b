package peeractivity

import (
	"testing"
	"time"

	"wireplug.org/wireplug/pkg/wireplugproto"
)

func TestUpdateNewPeerIsActive(t *testing.T) {
	tr := New()
	if !tr.Update("alice", 100) {
		t.Errorf("expected a never-seen peer to report active")
	}
}

func TestUpdateStalledRxIsInactive(t *testing.T) {
	tr := New()
	tr.Update("alice", 100)
	if tr.Update("alice", 100) {
		t.Errorf("expected stalled RX to report inactive")
	}
}

func TestUpdateAdvancingRxIsActive(t *testing.T) {
	tr := New()
	tr.Update("alice", 100)
	if !tr.Update("alice", 200) {
		t.Errorf("expected advancing RX to report active")
	}
}

func TestUpdateAlwaysStoresLatestValue(t *testing.T) {
	tr := New()
	tr.Update("alice", 500)
	tr.Update("alice", 100) // a decrease, still stored as the new baseline
	if tr.Update("alice", 100) {
		t.Errorf("expected no advance from the stored (lower) baseline to report inactive")
	}
}

func TestInactiveStartupUsesHandshakeCrossCheck(t *testing.T) {
	tr := New()
	now := time.Now()

	samples := []PeerSample{
		{Pubkey: "never-shook", RxBytes: 0, HasHandshake: false},
		{Pubkey: "recent-shook", RxBytes: 0, HasHandshake: true, LastHandshake: now.Add(-10 * time.Second)},
		{Pubkey: "stale-shook", RxBytes: 0, HasHandshake: true, LastHandshake: now.Add(-400 * time.Second)},
	}

	inactive := tr.Inactive(now, samples)
	want := map[wireplugproto.WGKey]bool{"never-shook": true, "stale-shook": true}
	got := map[wireplugproto.WGKey]bool{}
	for _, k := range inactive {
		got[k] = true
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for k := range want {
		if !got[k] {
			t.Errorf("expected %s to be reported inactive", k)
		}
	}
}

func TestInactiveRxAdvanceSkipsHandshakeCheck(t *testing.T) {
	tr := New()
	tr.Update("alice", 100)
	now := time.Now()

	samples := []PeerSample{
		{Pubkey: "alice", RxBytes: 200, HasHandshake: false},
	}
	inactive := tr.Inactive(now, samples)
	if len(inactive) != 0 {
		t.Errorf("expected RX-advancing peer to be active regardless of handshake state, got %v", inactive)
	}
}

func TestInactiveRespectsPersistentKeepaliveOverride(t *testing.T) {
	tr := New()
	tr.Update("alice", 100)
	now := time.Now()

	samples := []PeerSample{
		{
			Pubkey:              "alice",
			RxBytes:             100,
			HasHandshake:        true,
			LastHandshake:       now.Add(-200 * time.Second),
			PersistentKeepalive: 300 * time.Second,
		},
	}
	inactive := tr.Inactive(now, samples)
	if len(inactive) != 0 {
		t.Errorf("expected handshake age under the peer's own keepalive threshold to be active, got %v", inactive)
	}
}
