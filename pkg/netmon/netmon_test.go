package netmon

import "testing"

func TestMonitorOfflineToOnline(t *testing.T) {
	seq := []NetInfo{{}, {WanIP4: "203.0.113.5"}}
	i := 0
	m := New(func() NetInfo {
		v := seq[i]
		if i < len(seq)-1 {
			i++
		}
		return v
	})

	if got := m.Status(); got != StatusOffline {
		t.Fatalf("expected Offline, got %v", got)
	}
	if got := m.Status(); got != StatusChangedToNew {
		t.Fatalf("expected ChangedToNew, got %v", got)
	}
	if got := m.Status(); got != StatusOnline {
		t.Fatalf("expected Online on repeat detection, got %v", got)
	}
}

func TestMonitorHardNatSticky(t *testing.T) {
	m := New(func() NetInfo { return NetInfo{WanIP4: "203.0.113.5"} })
	m.Status() // first detection: ChangedToNew
	m.SetHardNat(true)

	if got := m.Status(); got != StatusHardNat {
		t.Fatalf("expected HardNat while sticky flag set and WAN unchanged, got %v", got)
	}
}

func TestMonitorChangedToPrevAfterOfflineDip(t *testing.T) {
	// A goes online, then offline (saving A as last_good), then back
	// online as A again — §4.C says this must report ChangedToPrev.
	current := NetInfo{WanIP4: "203.0.113.5"}
	m := New(func() NetInfo { return current })

	if got := m.Status(); got != StatusChangedToNew {
		t.Fatalf("step1: expected ChangedToNew, got %v", got)
	}

	current = NetInfo{}
	if got := m.Status(); got != StatusOffline {
		t.Fatalf("step2: expected Offline, got %v", got)
	}

	current = NetInfo{WanIP4: "203.0.113.5"}
	if got := m.Status(); got != StatusChangedToPrev {
		t.Fatalf("step3: expected ChangedToPrev, got %v", got)
	}
}

func TestMonitorNewAddressClearsHardNatFlag(t *testing.T) {
	current := NetInfo{WanIP4: "203.0.113.5"}
	m := New(func() NetInfo { return current })

	m.Status() // ChangedToNew, establishes current
	m.SetHardNat(true)
	if got := m.Status(); got != StatusHardNat {
		t.Fatalf("expected HardNat before WAN changes, got %v", got)
	}

	// Advance to a genuinely new address; hard_nat_flag must clear per §4.C.
	current = NetInfo{WanIP4: "198.51.100.9"}
	if got := m.Status(); got != StatusChangedToNew {
		t.Fatalf("expected ChangedToNew, got %v", got)
	}
	if got := m.Status(); got != StatusOnline {
		t.Fatalf("expected Online (hard_nat cleared), got %v", got)
	}
}
