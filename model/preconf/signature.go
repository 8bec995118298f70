package preconf

import (
	"encoding/hex"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// SignerID is the compressed BLS12-381 public key (min-pk scheme) of a
// cooperating constraint signer. It doubles as the origin identity attached
// to every accepted commitment.
type SignerID [48]byte

// BLSSignature is a compressed signature on the G2 group (min-pk scheme).
type BLSSignature [96]byte

// DomainSeparationTag is the ciphersuite tag for proof-of-possession BLS
// signatures over G2, per draft-irtf-cfrg-bls-signature-05 section 4.2.3.
// It must match the tag used by the remote signer.
var DomainSeparationTag = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

// SignerIDFromHex parses a 0x-prefixed or bare hex encoding of a compressed
// BLS public key and validates that it is a point in the proper subgroup.
func SignerIDFromHex(s string) (SignerID, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return SignerID{}, fmt.Errorf("could not decode signer id hex: %w", err)
	}
	return SignerIDFromBytes(b)
}

// SignerIDFromBytes validates and converts a compressed public key.
func SignerIDFromBytes(b []byte) (SignerID, error) {
	if len(b) != len(SignerID{}) {
		return SignerID{}, fmt.Errorf("invalid signer id length: got %d, want %d", len(b), len(SignerID{}))
	}
	pk := new(blst.P1Affine).Uncompress(b)
	if pk == nil {
		return SignerID{}, errors.New("could not decompress public key point")
	}
	if !pk.KeyValidate() {
		return SignerID{}, errors.New("public key failed subgroup validation")
	}
	var id SignerID
	copy(id[:], b)
	return id, nil
}

func (s SignerID) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

func (s SignerID) Bytes() []byte {
	return s[:]
}

// Verify reports whether sig is a valid signature by s over msg, using the
// proof-of-possession domain separation tag.
func (s SignerID) Verify(sig BLSSignature, msg []byte) bool {
	pk := new(blst.P1Affine).Uncompress(s[:])
	if pk == nil {
		return false
	}
	sg := new(blst.P2Affine).Uncompress(sig[:])
	if sg == nil {
		return false
	}
	if !sg.SigValidate(false) {
		return false
	}
	return sg.Verify(false, pk, true, blst.Message(msg), DomainSeparationTag)
}

// BLSSignatureFromHex parses a 0x-prefixed or bare hex compressed signature.
func BLSSignatureFromHex(s string) (BLSSignature, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return BLSSignature{}, fmt.Errorf("could not decode signature hex: %w", err)
	}
	if len(b) != len(BLSSignature{}) {
		return BLSSignature{}, fmt.Errorf("invalid signature length: got %d, want %d", len(b), len(BLSSignature{}))
	}
	var sig BLSSignature
	copy(sig[:], b)
	return sig, nil
}

func (s BLSSignature) String() string {
	return "0x" + hex.EncodeToString(s[:])
}
