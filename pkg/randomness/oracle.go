package randomness

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"impact_verifier/pkg/ledger"
)

var (
	ErrUnknownRequest = ledger.NewError(ledger.KindState, "unknown randomness request")
	ErrInvalidCount   = ledger.NewError(ledger.KindResource, "randomness count must be positive")
	ErrNoConsumer     = ledger.NewError(ledger.KindState, "no randomness consumer registered")
)

// Oracle accepts randomness requests from inside a running operation. The
// answer arrives later, in a separate operation, through a Consumer.
type Oracle interface {
	RequestRandomnessTx(tx *ledger.Tx, count int) (common.Hash, error)
}

// Consumer receives fulfilled randomness. caller is the oracle's account.
type Consumer interface {
	OnRandomnessReady(ctx context.Context, caller common.Address, requestID common.Hash, words []uint64) error
}
