// Package tmnet is the root facade: it wires a Transport, a PeerManager,
// and a Router into one long-lived Node, the way a real process would boot
// the p2p layer before handing it off to consensus, mempool, and the other
// external collaborators named in spec.md.
package tmnet

import (
	"crypto/ed25519"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tmnet-dev/tmnet/nodeid"
	"github.com/tmnet-dev/tmnet/peerstore"
	"github.com/tmnet-dev/tmnet/transport"
)

var (
	// ErrConfigListenAddr is returned by VerifyConfig when ListenAddr is empty.
	ErrConfigListenAddr = errors.New("tmnet: listen address required")
	// ErrConfigNetwork is returned by VerifyConfig when Network is empty.
	ErrConfigNetwork = errors.New("tmnet: network identifier required")
	// ErrConfigPrivateKey is returned by VerifyConfig for a missing or
	// malformed node identity key.
	ErrConfigPrivateKey = errors.New("tmnet: node private key required")
)

// Config gathers every top-level option a Node needs to come up (spec.md
// §6's option table, plus the ambient Logger/Registry additions).
type Config struct {
	ListenAddr string
	Network    string
	Moniker    string
	PrivateKey ed25519.PrivateKey

	PersistentPeers []nodeid.Address
	Seeds           []nodeid.Address

	Manager   peerstore.ManagerOptions
	Transport transport.Config

	Logger   zerolog.Logger
	Registry *prometheus.Registry
}

// VerifyConfig verifies the integrity of cfg when creating a new Node. This
// reuses the teacher's Config/VerifyConfig sentinel-error validation idiom
// from the original config.go, re-scoped from BDLS quorum parameters
// (Epoch, Participants, StateCompare) to transport/router bootstrapping
// options.
func VerifyConfig(c *Config) error {
	if c.ListenAddr == "" {
		return ErrConfigListenAddr
	}
	if c.Network == "" {
		return ErrConfigNetwork
	}
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		return ErrConfigPrivateKey
	}
	return nil
}
