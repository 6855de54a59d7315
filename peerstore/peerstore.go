// Package peerstore implements C5 of spec.md: the PeerStore (ranked,
// score-sorted peer directory) and the PeerManager (the single-peer dial /
// accept / evict / disconnect lifecycle state machine built on top of it).
package peerstore

import (
	"math"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/rs/zerolog"

	"github.com/tmnet-dev/tmnet/nodeid"
)

// PersistentScore is the effective score granted to a persistent peer with
// no FixedScore override, keeping it ranked ahead of ordinary gossiped peers
// regardless of its accumulated dial failures (spec.md §3).
const PersistentScore int16 = math.MaxInt16 / 2

// PeerInfo is everything the store tracks about one peer (spec.md §3/§4.5).
type PeerInfo struct {
	ID        nodeid.ID
	Addresses []nodeid.Address

	// FixedScore, when non-nil, is an operator-set override that always wins
	// over MutableScore and PersistentScore (spec.md §3's effective-score
	// formula). MutableScore is the score ProcessPeerEvent adjusts.
	FixedScore   *int16
	MutableScore int16
	Persistent   bool
	Private      bool
	// Inactive is set once a peer has failed a fatal, non-retryable check
	// (handshake crypto failure) so it is never selected as a dial
	// candidate again (spec.md §4.6's crypto failure handling).
	Inactive bool

	LastConnected    time.Time
	LastDisconnected time.Time
	Failures         map[string]int // per-address dial-failure counters
}

func newPeerInfo(id nodeid.ID) *PeerInfo {
	return &PeerInfo{ID: id, Failures: make(map[string]int)}
}

// EffectiveScore implements spec.md §3's ranking formula: a FixedScore
// override always wins, then a flat bonus for persistent peers, then the
// mutable score penalized by the peer's total accumulated dial failures.
func (p *PeerInfo) EffectiveScore() int16 {
	if p.FixedScore != nil {
		return *p.FixedScore
	}
	if p.Persistent {
		return PersistentScore
	}
	total := 0
	for _, n := range p.Failures {
		total += n
	}
	return saturatingAdd(p.MutableScore, -total)
}

// PeerStore maps NodeID → PeerInfo, an address → NodeID reverse index, and a
// cached ranked (score-descending) slice (spec.md §4.5). Persistence to a KV
// store is out of scope here; this is the normative in-memory contract.
type PeerStore struct {
	mtx sync.RWMutex
	log zerolog.Logger

	byID      map[nodeid.ID]*PeerInfo
	byAddress map[string]nodeid.ID

	ranked      []*PeerInfo
	rankedValid bool

	totalBytesLogged uint64
}

// New creates an empty PeerStore.
func New(log zerolog.Logger) *PeerStore {
	return &PeerStore{
		byID:      make(map[nodeid.ID]*PeerInfo),
		byAddress: make(map[string]nodeid.ID),
		log:       log,
	}
}

// Get returns the peer's info and whether it is known.
func (s *PeerStore) Get(id nodeid.ID) (*PeerInfo, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

// GetByAddress resolves an address string (nodeid.Address.String()) back to
// a peer, via the reverse index.
func (s *PeerStore) GetByAddress(addr string) (*PeerInfo, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	id, ok := s.byAddress[addr]
	if !ok {
		return nil, false
	}
	return s.byID[id], true
}

// Set inserts or updates a peer and invalidates the ranked cache. Callers
// update the stored *PeerInfo in place before calling Set, so no earlier
// score is left to compare against; every call invalidates the cache, which
// covers both a new peer and a changed score (spec.md §4.5).
func (s *PeerStore) Set(p *PeerInfo) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.byID[p.ID] = p
	for _, a := range p.Addresses {
		s.byAddress[a.String()] = p.ID
	}
	s.rankedValid = false

	approxBytes := uint64(len(s.byID)) * 256
	if approxBytes > s.totalBytesLogged+1<<20 {
		s.totalBytesLogged = approxBytes
		s.log.Debug().
			Int("peers", len(s.byID)).
			Str("approx_size", bytefmt.ByteSize(approxBytes)).
			Msg("peerstore: directory grew")
	}
}

// AddOrGet returns the existing PeerInfo for id, creating an empty one if
// none exists yet.
func (s *PeerStore) AddOrGet(id nodeid.ID) *PeerInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if p, ok := s.byID[id]; ok {
		return p
	}
	p := newPeerInfo(id)
	s.byID[id] = p
	s.rankedValid = false
	return p
}

// Ranked returns all known peers sorted by score descending, ties broken by
// NodeID for determinism. The result is cached until invalidated by Set.
func (s *PeerStore) Ranked() []*PeerInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.rankedValid {
		return append([]*PeerInfo(nil), s.ranked...)
	}

	ranked := make([]*PeerInfo, 0, len(s.byID))
	for _, p := range s.byID {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := ranked[i].EffectiveScore(), ranked[j].EffectiveScore()
		if si != sj {
			return si > sj
		}
		return ranked[i].ID.Less(ranked[j].ID)
	})
	s.ranked = ranked
	s.rankedValid = true
	return append([]*PeerInfo(nil), ranked...)
}

// Len reports how many peers are tracked.
func (s *PeerStore) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.byID)
}

// saturatingAdd adds delta to score without over/underflowing int16
// (spec.md §4.5: "Bounded by int16 range").
func saturatingAdd(score int16, delta int) int16 {
	sum := int64(score) + int64(delta)
	if sum > math.MaxInt16 {
		return math.MaxInt16
	}
	if sum < math.MinInt16 {
		return math.MinInt16
	}
	return int16(sum)
}
