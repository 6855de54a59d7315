package consensus

import (
	"crypto/ecdsa"
	"errors"
)

// ErrReactorPrivateKey is returned by VerifyReactorConfig when no signing
// key was supplied to a reactor that needs one.
var ErrReactorPrivateKey = errors.New("consensus: reactor requires a private key")

// ReactorConfig configures a signing-capable reactor (SignedEchoReactor).
// This reuses the teacher's Config/VerifyConfig sentinel-error validation
// idiom from the original consensus/config.go, scoped down from full BDLS
// quorum configuration to the one thing a demo reactor actually needs.
type ReactorConfig struct {
	PrivateKey *ecdsa.PrivateKey
}

// VerifyReactorConfig verifies the integrity of a ReactorConfig.
func VerifyReactorConfig(c *ReactorConfig) error {
	if c.PrivateKey == nil {
		return ErrReactorPrivateKey
	}
	return nil
}
