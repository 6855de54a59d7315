// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package nodeid implements the peer-identity and address types: a NodeID
// derived from a peer's Ed25519 public key, and the NodeAddress syntax peers
// are dialed by.
//
// NodeID follows the gogoprotobuf customtype pattern used by the teacher's
// PubKeyAxis (message.go): a fixed-size array with its own
// Marshal/MarshalTo/Unmarshal/Size method set, so it can be embedded
// directly as a string-like scalar inside generated wire.NodeInfo-shaped
// messages without reflection.
package nodeid

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the byte length of a NodeID (spec.md §3: 20-byte hex-encoded id).
const Size = 20

// ErrInvalidNodeID is returned when a hex string does not decode to exactly
// Size bytes.
var ErrInvalidNodeID = errors.New("nodeid: invalid node id")

// ID is a 20-byte peer identifier: the lowercased hex of the first 20 bytes
// of SHA-256(ed25519 public key).
type ID [Size]byte

// FromPubKey derives a NodeID from an Ed25519 public key.
func FromPubKey(pub ed25519.PublicKey) ID {
	sum := sha256.Sum256(pub)
	var id ID
	copy(id[:], sum[:Size])
	return id
}

// FromString parses the lowercase-hex representation of a NodeID.
func FromString(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	if len(b) != Size {
		return id, ErrInvalidNodeID
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero value (no identity established yet).
func (id ID) IsZero() bool { return id == ID{} }

// Less provides a total order over NodeIDs, used by the peer store's ranked
// cache to break score ties deterministically.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Marshal implements the gogoprotobuf customtype contract.
func (id ID) Marshal() ([]byte, error) { return id[:], nil }

// MarshalTo implements the gogoprotobuf customtype contract.
func (id *ID) MarshalTo(data []byte) (int, error) {
	copy(data, id[:])
	return Size, nil
}

// Unmarshal implements the gogoprotobuf customtype contract.
func (id *ID) Unmarshal(data []byte) error {
	if len(data) != Size {
		return ErrInvalidNodeID
	}
	copy(id[:], data)
	return nil
}

// Size implements the gogoprotobuf customtype contract.
func (id *ID) Size() int { return Size }
