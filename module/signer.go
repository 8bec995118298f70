package module

import (
	"context"

	"github.com/interstate-labs/sidecar/model/preconf"
)

// ConstraintSigner is the capability contract to the external signing
// service: a digest goes in, a BLS signature comes out, or the call fails.
// Implementations must bound every call with the caller's context so a
// stalled signer cannot stall the slot pipeline.
type ConstraintSigner interface {
	// Pubkeys lists the signer identities the service can sign for.
	Pubkeys(ctx context.Context) ([]preconf.SignerID, error)

	// Sign signs the 32-byte object root with the key behind pubkey.
	Sign(ctx context.Context, pubkey preconf.SignerID, root [32]byte) (preconf.BLSSignature, error)
}
