package tmnet

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"

	"github.com/tmnet-dev/tmnet/nodeid"
	"github.com/tmnet-dev/tmnet/peerstore"
	"github.com/tmnet-dev/tmnet/router"
	"github.com/tmnet-dev/tmnet/transport"
	"github.com/tmnet-dev/tmnet/wire"
)

// Node wires a Transport, a PeerStore, a PeerManager, and a Router into one
// long-lived process, the way cmd/tmnode boots the p2p layer before handing
// reactor channels off to consensus, mempool, and the other external
// collaborators named in spec.md §1.
type Node struct {
	cfg Config
	id  nodeid.ID

	transport *transport.Transport
	store     *peerstore.PeerStore
	manager   *peerstore.PeerManager
	router    *router.Router
	localInfo *wire.NodeInfo

	metrics *metrics
}

// New validates cfg, derives this node's identity from its private key, and
// assembles the transport/peerstore/router stack. It does not bind a socket
// or start any background task; call Start for that.
func New(cfg Config) (*Node, error) {
	if err := VerifyConfig(&cfg); err != nil {
		return nil, err
	}

	pub, ok := cfg.PrivateKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrConfigPrivateKey
	}
	id := nodeid.FromPubKey(pub)

	managerOpts := cfg.Manager
	for _, addr := range cfg.PersistentPeers {
		if !addr.NodeID.IsZero() {
			managerOpts.PersistentPeers = append(managerOpts.PersistentPeers, addr.NodeID)
		}
	}

	store := peerstore.New(cfg.Logger)
	manager := peerstore.NewManager(id, store, managerOpts, cfg.Logger)

	for _, addr := range cfg.PersistentPeers {
		seedPeer(store, addr, true)
	}
	for _, addr := range cfg.Seeds {
		seedPeer(store, addr, false)
	}

	tr := transport.New(cfg.Transport, cfg.Logger)

	localInfo := &wire.NodeInfo{
		NodeID:     id.String(),
		ListenAddr: cfg.ListenAddr,
		Network:    cfg.Network,
		Version:    Version,
		Moniker:    cfg.Moniker,
	}

	r := router.New(tr, manager, store, cfg.PrivateKey, localInfo, cfg.Logger)

	return &Node{
		cfg:       cfg,
		id:        id,
		transport: tr,
		store:     store,
		manager:   manager,
		router:    r,
		localInfo: localInfo,
		metrics:   newMetrics(cfg.Registry),
	}, nil
}

// seedPeer registers a configured address in store before any dial attempt,
// so PeerManager.DialNext has something to find at startup.
func seedPeer(store *peerstore.PeerStore, addr nodeid.Address, persistent bool) {
	if addr.NodeID.IsZero() {
		return
	}
	info := store.AddOrGet(addr.NodeID)
	info.Addresses = append(info.Addresses, addr)
	info.Persistent = persistent
	store.Set(info)
}

// Start binds the listen socket and launches the router's dial/accept/evict
// loops. It returns once listening has succeeded; the router tasks continue
// running in the background until Stop or ctx is done.
func (n *Node) Start(ctx context.Context) error {
	if err := n.transport.Listen(n.cfg.ListenAddr); err != nil {
		return fmt.Errorf("tmnet: listen: %w", err)
	}
	n.router.Start()

	go func() {
		<-ctx.Done()
		n.Stop()
	}()

	return nil
}

// Stop tears down the router and closes the listening socket.
func (n *Node) Stop() {
	n.router.Stop()
	n.transport.Close()
}

// ID returns this node's derived NodeID.
func (n *Node) ID() nodeid.ID { return n.id }

// Router exposes the underlying Router so callers can OpenChannel for their
// own reactors.
func (n *Node) Router() *router.Router { return n.router }

// Addr returns the bound listen address, or nil before Start succeeds.
func (n *Node) Addr() net.Addr { return n.transport.Addr() }
