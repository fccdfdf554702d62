package issuance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/safemath"
	"impact_verifier/pkg/verification"
)

var ErrAlreadyIssued = ledger.NewError(ledger.KindReplay, "credits already issued for claim")

// Issuance records credits allocated for one claim.
type Issuance struct {
	SubjectID  common.Hash
	ClaimID    common.Hash
	Units      uint64
	Arbitrated bool
	Score      uint64
	IssuedAt   time.Time
}

// CreditBook is the in-process credit issuer. Each finalized claim
// allocates a fixed number of units to its subject; an arbitrated claim is
// scaled by the committee score.
type CreditBook struct {
	unitsPerClaim uint64
	logger        *zap.Logger

	mu        sync.RWMutex
	issued    map[common.Hash]Issuance
	bySubject map[common.Hash]uint64
}

// NewCreditBook creates an empty book.
func NewCreditBook(unitsPerClaim uint64, logger *zap.Logger) *CreditBook {
	return &CreditBook{
		unitsPerClaim: unitsPerClaim,
		logger:        logger.With(zap.String("component", "issuance")),
		issued:        make(map[common.Hash]Issuance),
		bySubject:     make(map[common.Hash]uint64),
	}
}

// Fulfill allocates credits for a finalized claim. It implements
// verification.Issuer.
func (b *CreditBook) Fulfill(ctx context.Context, v verification.Verdict) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	units := b.unitsPerClaim
	if v.Arbitrated && v.MaxScore > 0 {
		scaled, ok := safemath.MulDiv64(b.unitsPerClaim, v.Score, v.MaxScore)
		if !ok {
			return safemath.ErrOverflow
		}
		units = scaled
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.issued[v.ClaimID]; ok {
		return ErrAlreadyIssued
	}
	total, ok := safemath.Add64(b.bySubject[v.SubjectID], units)
	if !ok {
		return safemath.ErrOverflow
	}
	b.issued[v.ClaimID] = Issuance{
		SubjectID:  v.SubjectID,
		ClaimID:    v.ClaimID,
		Units:      units,
		Arbitrated: v.Arbitrated,
		Score:      v.Score,
		IssuedAt:   v.FinalizedAt,
	}
	b.bySubject[v.SubjectID] = total

	b.logger.Info("Credits issued",
		zap.String("subject_id", v.SubjectID.Hex()),
		zap.String("claim_id", v.ClaimID.Hex()),
		zap.Uint64("units", units))
	return nil
}

// Issued returns the issuance for a claim.
func (b *CreditBook) Issued(claimID common.Hash) (Issuance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	is, ok := b.issued[claimID]
	return is, ok
}

// CreditsOf returns the units allocated to a subject.
func (b *CreditBook) CreditsOf(subjectID common.Hash) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bySubject[subjectID]
}

// Issuances lists every issuance, oldest first.
func (b *CreditBook) Issuances() []Issuance {
	b.mu.RLock()
	out := make([]Issuance, 0, len(b.issued))
	for _, is := range b.issued {
		out = append(out, is)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ClaimID.Hex() < out[j].ClaimID.Hex()
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}
