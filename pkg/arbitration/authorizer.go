package arbitration

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"impact_verifier/pkg/verification"
)

// Authorizer checks that a dispute was authorized by the verification
// engine's signing key.
type Authorizer struct {
	signer  common.Address
	chainID uint64
	engine  common.Address
}

// NewAuthorizer accepts authorizations signed by signer for the engine
// deployed at engine on chainID.
func NewAuthorizer(signer common.Address, chainID uint64, engine common.Address) *Authorizer {
	return &Authorizer{signer: signer, chainID: chainID, engine: engine}
}

// Verify fails with ErrInvalidAuthorization unless signature recovers to
// the engine's signer for exactly these parties.
func (a *Authorizer) Verify(claimID common.Hash, defendant, challenger common.Address, signature []byte) error {
	digest := verification.DisputeDigest(claimID, defendant, challenger, a.chainID, a.engine)
	got, err := verification.RecoverDisputeSigner(digest, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthorization, err)
	}
	if got != a.signer {
		return fmt.Errorf("%w: signed by %s", ErrInvalidAuthorization, got.Hex())
	}
	return nil
}
