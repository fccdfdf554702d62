package verification

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"impact_verifier/pkg/ledger"
)

// ArbitrationResult is the council's binding outcome for a challenged task.
// Score is the committee mean on a 0..MaxScore scale.
type ArbitrationResult struct {
	Approved bool
	Score    uint64
	MaxScore uint64
}

// Verdict is the payload handed to the issuer when a task finalizes as
// approved.
type Verdict struct {
	SubjectID   common.Hash
	ClaimID     common.Hash
	Arbitrated  bool
	Score       uint64
	MaxScore    uint64
	FinalizedAt time.Time
}

// Issuer mints or records credits for a finalized claim. It is called after
// the task's state has been updated and receives a context that rejects
// callbacks into the ledger.
type Issuer interface {
	Fulfill(ctx context.Context, verdict Verdict) error
}

// Arbiter opens disputes for challenged tasks inside the challenge
// operation.
type Arbiter interface {
	CreateDisputeTx(tx *ledger.Tx, claimID common.Hash, defendant common.Address, authorization []byte) error
}
