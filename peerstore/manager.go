package peerstore

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmnet-dev/tmnet/nodeid"
)

// peerState is this node's view of one peer's connection lifecycle
// (spec.md §4.5's state diagram).
type peerState int

const (
	stateUnknown peerState = iota
	stateDialing
	stateAccepted
	stateConnected
	stateEvicting
	stateDisconnected
)

var (
	// ErrSelf is returned by Accepted when a peer announces our own id.
	ErrSelf = errors.New("peerstore: peer announced our own node id")
	// ErrDuplicate is returned by Accepted for an id already connecting.
	ErrDuplicate = errors.New("peerstore: duplicate peer connection")
	// ErrAtCapacity is returned by Accepted when both max_connected and
	// max_connected_upgrade are exhausted with no upgrade candidate.
	ErrAtCapacity = errors.New("peerstore: at peer capacity")
)

// PeerStatus is broadcast to PeerUpdate subscribers.
type PeerStatus int

const (
	StatusUp PeerStatus = iota
	StatusDown
)

// PeerUpdate notifies router-level subscribers of a peer's status
// transition (spec.md §4.5's `ready`/`disconnected` broadcasts).
type PeerUpdate struct {
	PeerID   nodeid.ID
	Status   PeerStatus
	Channels []byte
}

// ManagerOptions configures a PeerManager (spec.md §4.5).
type ManagerOptions struct {
	PersistentPeers []nodeid.ID

	MaxConnected            int
	MaxConnectedUpgrade     int
	MaxOutgoingConnections  int
	MinRetryTime            time.Duration
	MaxRetryTime            time.Duration
	MaxRetryTimePersistent  time.Duration
	RetryTimeJitter         time.Duration
	DisconnectCooldownPeriod time.Duration
	PrivatePeers            []nodeid.ID
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.MaxConnected <= 0 {
		o.MaxConnected = 64
	}
	if o.MaxOutgoingConnections <= 0 {
		o.MaxOutgoingConnections = o.MaxConnected
	}
	if o.MaxRetryTime <= 0 {
		o.MaxRetryTime = 1 * time.Hour
	}
	if o.MaxRetryTimePersistent <= 0 {
		o.MaxRetryTimePersistent = o.MaxRetryTime
	}
	if o.DisconnectCooldownPeriod <= 0 {
		o.DisconnectCooldownPeriod = time.Second
	}
	return o
}

// PeerManager drives the single-peer lifecycle state machine of spec.md
// §4.5 on top of a PeerStore.
type PeerManager struct {
	opts  ManagerOptions
	store *PeerStore
	log   zerolog.Logger
	self  nodeid.ID

	mtx sync.Mutex

	states     map[nodeid.ID]peerState
	outbound   map[nodeid.ID]bool // true for peers we dialed, tracked apart from inbound accepts
	persistent map[nodeid.ID]bool
	private    map[nodeid.ID]bool
	upgrading  map[nodeid.ID]nodeid.ID // dial target -> connected peer to replace
	evictQueue []nodeid.ID

	dialWake   chan struct{}
	evictWake  chan struct{}

	subsMtx sync.Mutex
	subs    []chan PeerUpdate
}

// NewManager creates a PeerManager bound to self (this node's own id, used
// to reject self-dials/self-accepts) and store.
func NewManager(self nodeid.ID, store *PeerStore, opts ManagerOptions, log zerolog.Logger) *PeerManager {
	opts = opts.withDefaults()
	pm := &PeerManager{
		opts:       opts,
		store:      store,
		log:        log,
		self:       self,
		states:     make(map[nodeid.ID]peerState),
		outbound:   make(map[nodeid.ID]bool),
		persistent: make(map[nodeid.ID]bool),
		private:    make(map[nodeid.ID]bool),
		upgrading:  make(map[nodeid.ID]nodeid.ID),
		dialWake:   make(chan struct{}, 1),
		evictWake:  make(chan struct{}, 1),
	}
	for _, id := range opts.PersistentPeers {
		pm.persistent[id] = true
	}
	for _, id := range opts.PrivatePeers {
		pm.private[id] = true
	}
	pm.wakeDial()
	return pm
}

// Subscribe registers a channel to receive PeerUpdate broadcasts. Per-peer
// ordering of status transitions is preserved (spec.md §5).
func (pm *PeerManager) Subscribe() <-chan PeerUpdate {
	ch := make(chan PeerUpdate, 32)
	pm.subsMtx.Lock()
	pm.subs = append(pm.subs, ch)
	pm.subsMtx.Unlock()
	return ch
}

func (pm *PeerManager) broadcast(u PeerUpdate) {
	pm.subsMtx.Lock()
	defer pm.subsMtx.Unlock()
	for _, ch := range pm.subs {
		select {
		case ch <- u:
		default:
			pm.log.Warn().Str("peer", u.PeerID.String()).Msg("peerstore: dropped peer update, subscriber slow")
		}
	}
}

func (pm *PeerManager) wakeDial() {
	select {
	case pm.dialWake <- struct{}{}:
	default:
	}
}

func (pm *PeerManager) wakeEvict() {
	select {
	case pm.evictWake <- struct{}{}:
	default:
	}
}

func (pm *PeerManager) connectedCount() int {
	n := 0
	for _, st := range pm.states {
		if st == stateConnected {
			n++
		}
	}
	return n
}

// outgoingCount reports peers currently dialing or connected that we
// dialed ourselves, tracked independently of inbound accepts so
// MaxOutgoingConnections bounds only this node's own dial fan-out.
func (pm *PeerManager) outgoingCount() int {
	n := 0
	for id, st := range pm.states {
		if (st == stateDialing || st == stateConnected) && pm.outbound[id] {
			n++
		}
	}
	return n
}

func (pm *PeerManager) evictingCount() int {
	n := 0
	for _, st := range pm.states {
		if st == stateEvicting {
			n++
		}
	}
	return n
}

// DialCandidate is what DialNext hands to a router dial worker.
type DialCandidate struct {
	PeerID     nodeid.ID
	Addresses  []nodeid.Address
	Persistent bool
}

// DialNext blocks until a peer is ready to be dialed, or ctx is canceled
// (spec.md §4.5's dial_next).
func (pm *PeerManager) DialNext(ctx context.Context) (DialCandidate, error) {
	for {
		pm.mtx.Lock()
		cand, ok := pm.pickDialCandidate()
		pm.mtx.Unlock()
		if ok {
			return cand, nil
		}

		select {
		case <-pm.dialWake:
		case <-time.After(time.Second):
		case <-ctx.Done():
			return DialCandidate{}, ctx.Err()
		}
	}
}

func (pm *PeerManager) pickDialCandidate() (DialCandidate, bool) {
	if pm.outgoingCount() >= pm.opts.MaxOutgoingConnections {
		return DialCandidate{}, false
	}

	now := time.Now()
	atCapacity := pm.connectedCount() >= pm.opts.MaxConnected

	for _, p := range pm.store.Ranked() {
		if p.ID == pm.self {
			continue
		}
		st := pm.states[p.ID]
		if st == stateDialing || st == stateConnected {
			continue
		}
		if now.Sub(p.LastDisconnected) < pm.opts.DisconnectCooldownPeriod {
			continue
		}
		if !pm.addressesReady(p, now) {
			continue
		}

		if p.Inactive {
			continue
		}

		if atCapacity {
			upgradeTarget := pm.findUpgradeTarget(p.EffectiveScore())
			if upgradeTarget == (nodeid.ID{}) {
				continue
			}
			pm.upgrading[p.ID] = upgradeTarget
		}

		pm.states[p.ID] = stateDialing
		pm.outbound[p.ID] = true
		return DialCandidate{PeerID: p.ID, Addresses: p.Addresses, Persistent: pm.persistent[p.ID]}, true
	}
	return DialCandidate{}, false
}

func (pm *PeerManager) addressesReady(p *PeerInfo, now time.Time) bool {
	if len(p.Addresses) == 0 {
		return false
	}
	for _, a := range p.Addresses {
		failures := p.Failures[a.String()]
		delay := retryDelay(failures, pm.opts.MinRetryTime, pm.opts.MaxRetryTime, pm.opts.MaxRetryTimePersistent, pm.opts.RetryTimeJitter, pm.persistent[p.ID])
		if delay < 0 {
			continue // infinite backoff on this address
		}
		if now.Sub(p.LastDisconnected) >= delay {
			return true
		}
	}
	return false
}

// findUpgradeTarget returns the lowest-scoring connected peer with strictly
// lower score than candidateScore, or the zero ID if none qualifies.
func (pm *PeerManager) findUpgradeTarget(candidateScore int16) nodeid.ID {
	var worst *PeerInfo
	for id, st := range pm.states {
		if st != stateConnected {
			continue
		}
		p, ok := pm.store.Get(id)
		if !ok || p.EffectiveScore() >= candidateScore {
			continue
		}
		if worst == nil || p.EffectiveScore() < worst.EffectiveScore() {
			worst = p
		}
	}
	if worst == nil {
		return nodeid.ID{}
	}
	return worst.ID
}

// Accepted validates an inbound connection against capacity and identity
// rules (spec.md §4.5's accepted).
func (pm *PeerManager) Accepted(id nodeid.ID) error {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()

	if id == pm.self {
		return ErrSelf
	}
	if st, ok := pm.states[id]; ok && (st == stateDialing || st == stateAccepted || st == stateConnected) {
		return ErrDuplicate
	}

	connected := pm.connectedCount()
	if connected >= pm.opts.MaxConnected+pm.opts.MaxConnectedUpgrade {
		return ErrAtCapacity
	}
	if connected >= pm.opts.MaxConnected {
		p, ok := pm.store.Get(id)
		var score int16
		if ok {
			score = p.EffectiveScore()
		}
		target := pm.findUpgradeTarget(score)
		if target == (nodeid.ID{}) {
			return ErrAtCapacity
		}
		if pm.markEvictLocked(target) {
			pm.wakeEvict()
		}
	}

	pm.states[id] = stateAccepted
	pm.outbound[id] = false
	return nil
}

// Dialed promotes a dialing peer to connected (spec.md §4.5's dialed).
func (pm *PeerManager) Dialed(id nodeid.ID, addr nodeid.Address) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()

	pm.states[id] = stateConnected
	if p, ok := pm.store.Get(id); ok {
		delete(p.Failures, addr.String())
		p.LastConnected = time.Now()
	}
	if target, ok := pm.upgrading[id]; ok {
		if pm.markEvictLocked(target) {
			pm.wakeEvict()
		}
		delete(pm.upgrading, id)
	}
}

// DialFailed records a failed dial attempt and schedules a retry wake
// (spec.md §4.5's dial_failed).
func (pm *PeerManager) DialFailed(id nodeid.ID, addr nodeid.Address) {
	pm.mtx.Lock()
	p, ok := pm.store.Get(id)
	if ok {
		p.Failures[addr.String()]++
	}
	pm.states[id] = stateUnknown
	delete(pm.upgrading, id)
	delete(pm.outbound, id)
	pm.mtx.Unlock()

	delay := pm.opts.MinRetryTime
	if ok {
		delay = retryDelay(p.Failures[addr.String()], pm.opts.MinRetryTime, pm.opts.MaxRetryTime, pm.opts.MaxRetryTimePersistent, pm.opts.RetryTimeJitter, pm.persistent[id])
	}
	if delay >= 0 {
		time.AfterFunc(delay, pm.wakeDial)
	}
}

// Ready marks a peer connected and broadcasts PeerUpdate{up} (spec.md
// §4.5's ready, §4.6's route_peer calling it after wiring queues).
func (pm *PeerManager) Ready(id nodeid.ID, channels []byte) {
	pm.mtx.Lock()
	pm.states[id] = stateConnected
	pm.mtx.Unlock()
	pm.broadcast(PeerUpdate{PeerID: id, Status: StatusUp, Channels: channels})
}

// Errored marks a peer for disconnection due to a fatal error.
func (pm *PeerManager) Errored(id nodeid.ID, err error) {
	pm.log.Warn().Str("peer", id.String()).Err(err).Msg("peerstore: peer errored")
	pm.markEvict(id)
}

func (pm *PeerManager) markEvict(id nodeid.ID) {
	pm.mtx.Lock()
	queued := pm.markEvictLocked(id)
	pm.mtx.Unlock()
	if queued {
		pm.wakeEvict()
	}
}

// markEvictLocked queues id for eviction and reports whether it was newly
// queued. pm.mtx must be held.
func (pm *PeerManager) markEvictLocked(id nodeid.ID) bool {
	if pm.states[id] == stateEvicting {
		return false
	}
	pm.states[id] = stateEvicting
	pm.evictQueue = append(pm.evictQueue, id)
	return true
}

// EvictNext blocks until a peer should be evicted: first draining explicit
// evict requests, then, if over capacity, the lowest-ranked connected peer
// (spec.md §4.5's evict_next).
func (pm *PeerManager) EvictNext(ctx context.Context) (nodeid.ID, error) {
	for {
		pm.mtx.Lock()
		if len(pm.evictQueue) > 0 {
			id := pm.evictQueue[0]
			pm.evictQueue = pm.evictQueue[1:]
			pm.mtx.Unlock()
			return id, nil
		}
		if pm.connectedCount() > pm.opts.MaxConnected {
			id, ok := pm.lowestRankedConnectedLocked()
			if ok {
				pm.states[id] = stateEvicting
				pm.mtx.Unlock()
				return id, nil
			}
		}
		pm.mtx.Unlock()

		select {
		case <-pm.evictWake:
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nodeid.ID{}, ctx.Err()
		}
	}
}

func (pm *PeerManager) lowestRankedConnectedLocked() (nodeid.ID, bool) {
	ranked := pm.store.Ranked()
	for i := len(ranked) - 1; i >= 0; i-- {
		p := ranked[i]
		if pm.states[p.ID] == stateConnected {
			return p.ID, true
		}
	}
	return nodeid.ID{}, false
}

// Disconnected tears down tracking for id: clears state, stamps
// LastDisconnected, broadcasts PeerUpdate{down}, and schedules a future
// dial wake after DisconnectCooldownPeriod (spec.md §4.5's disconnected).
func (pm *PeerManager) Disconnected(id nodeid.ID) {
	pm.mtx.Lock()
	delete(pm.states, id)
	delete(pm.upgrading, id)
	delete(pm.outbound, id)
	pm.mtx.Unlock()

	if p, ok := pm.store.Get(id); ok {
		p.LastDisconnected = time.Now()
	}
	pm.broadcast(PeerUpdate{PeerID: id, Status: StatusDown})
	time.AfterFunc(pm.opts.DisconnectCooldownPeriod, pm.wakeDial)
}

// ProcessPeerEvent saturating-adjusts a peer's score (spec.md §4.5's
// process_peer_event): good nudges it up, bad nudges it down.
func (pm *PeerManager) ProcessPeerEvent(id nodeid.ID, good bool) {
	p, ok := pm.store.Get(id)
	if !ok {
		return
	}
	delta := -1
	if good {
		delta = 1
	}
	p.MutableScore = saturatingAdd(p.MutableScore, delta)
	pm.store.Set(p)
}

// MarkInactive flags id as inactive, retiring it from dial candidacy without
// forgetting it. The router calls it when a connection ends with one of the
// crypto errors it recognizes (signature failure, malformed ephemeral key,
// nonce overflow); X25519 and AEAD decrypt failures do not lead here.
func (pm *PeerManager) MarkInactive(id nodeid.ID) {
	if p, ok := pm.store.Get(id); ok {
		p.Inactive = true
		pm.store.Set(p)
	}
}

// HasMaxPeerCapacity reports whether the connected set is already full.
func (pm *PeerManager) HasMaxPeerCapacity() bool {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	return pm.connectedCount() >= pm.opts.MaxConnected
}

// IsPersistent reports whether id is configured as a persistent peer,
// meaning its dial retry ceiling is MaxRetryTimePersistent rather than
// MaxRetryTime (spec.md §4.5).
func (pm *PeerManager) IsPersistent(id nodeid.ID) bool {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	return pm.persistent[id]
}

// retryDelay implements spec.md §4.5's formula. Returns a negative duration
// to mean "infinite backoff" (never retry this address again automatically).
func retryDelay(failures int, minRetry, maxRetry, maxRetryPersistent, jitter time.Duration, persistent bool) time.Duration {
	if failures <= 0 {
		return 0
	}
	if minRetry == 0 {
		return -1
	}

	retryCap := maxRetry
	if persistent {
		retryCap = maxRetryPersistent
	}

	if time.Duration(failures) > retryCap/minRetry { // failures*minRetry would exceed the cap (or overflow)
		return retryCap
	}
	base := time.Duration(failures) * minRetry
	jittered := base + randomJitter(jitter)
	if jittered > retryCap || jittered < 0 {
		return retryCap
	}
	return jittered
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
