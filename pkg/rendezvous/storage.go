// Package rendezvous implements the coord server: concurrent record
// storage with TTL eviction, the per-connection protocol handler, and the
// periodic status publisher.
package rendezvous

import (
	"context"
	"log"
	"net/netip"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"wireplug.org/wireplug/pkg/wireplugproto"
)

// RecordTTL is the maximum age a record may reach before the sweeper
// evicts it (§3, §4.H).
const RecordTTL = 3600 * time.Second

// SweepInterval is how often the eviction sweep runs.
const SweepInterval = 60 * time.Second

// EdgeKey is the directed pair that records are keyed by: every
// announcement creates or refreshes the edge from initiator to each
// requested peer independently of the reverse edge.
type EdgeKey struct {
	Initiator wireplugproto.WGKey
	Peer      wireplugproto.WGKey
}

// Record is the server-side view of a single announced edge.
type Record struct {
	WanAddr   netip.AddrPort
	LanAddrs  []string
	HasLan    bool
	Timestamp time.Time
}

var (
	storeMeter       = otel.Meter("wireplug.rendezvous")
	recordsGauge, _  = storeMeter.Int64UpDownCounter("wireplug.rendezvous.records")
	evictionsCounter metric.Int64Counter
)

func init() {
	var err error
	evictionsCounter, err = storeMeter.Int64Counter("wireplug.rendezvous.evictions")
	if err != nil {
		evictionsCounter, _ = otel.Meter("wireplug.rendezvous.fallback").Int64Counter("wireplug.rendezvous.evictions")
	}
}

// Store is the concurrent (initiator, peer) -> Record map described in
// §4.H. Writers are handler goroutines (insert on announcement) and the
// sweeper goroutine (expiry); readers are handler goroutines (reverse
// lookup) and the status publisher.
type Store struct {
	mu      sync.RWMutex
	records map[EdgeKey]Record
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[EdgeKey]Record)}
}

// Put inserts or overwrites the record for (initiator, peer). Insertion
// is the only write handlers perform; deletion is reserved to the
// sweeper (§4.H).
func (s *Store) Put(initiator, peer wireplugproto.WGKey, rec Record) {
	s.mu.Lock()
	_, existed := s.records[EdgeKey{initiator, peer}]
	s.records[EdgeKey{Initiator: initiator, Peer: peer}] = rec
	s.mu.Unlock()
	if !existed {
		recordsGauge.Add(context.Background(), 1)
	}
}

// Get returns the live record stored for the directed edge (initiator,
// peer). When building a Response, resolveEndpoint calls it with the
// two keys swapped to find what peer last told the server about
// initiator.
func (s *Store) Get(initiator, peer wireplugproto.WGKey) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[EdgeKey{Initiator: initiator, Peer: peer}]
	if !ok {
		return Record{}, false
	}
	if time.Since(rec.Timestamp) > RecordTTL {
		return Record{}, false
	}
	return rec, true
}

// Snapshot returns every live (non-expired) record, used by the status
// publisher. The returned slice is a private copy safe to range over
// without holding the lock.
func (s *Store) Snapshot() []EdgeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EdgeRecord, 0, len(s.records))
	now := time.Now()
	for k, v := range s.records {
		if now.Sub(v.Timestamp) > RecordTTL {
			continue
		}
		out = append(out, EdgeRecord{Key: k, Record: v})
	}
	return out
}

// EdgeRecord pairs a key with its record for snapshot iteration.
type EdgeRecord struct {
	Key    EdgeKey
	Record Record
}

// Sweep removes every record older than RecordTTL in a single pass
// holding the write lock, per §4.H. It returns the number of records
// evicted, for logging/metrics.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	evicted := 0
	for k, v := range s.records {
		if now.Sub(v.Timestamp) > RecordTTL {
			delete(s.records, k)
			evicted++
		}
	}
	return evicted
}

// Count reports the number of records currently stored, including
// expired-but-not-yet-swept entries (matches the teacher's
// PeerStore.Count, a raw map length).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// RunSweeper blocks, waking every SweepInterval to evict expired
// records, until stop is closed.
func RunSweeper(s *Store, stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := s.Sweep()
			if n > 0 {
				log.Printf("[Rendezvous] sweeper evicted %d expired record(s)", n)
				evictionsCounter.Add(context.Background(), int64(n))
				recordsGauge.Add(context.Background(), int64(-n))
			}
		}
	}
}
