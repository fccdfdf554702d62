package arbitration

import (
	"impact_verifier/pkg/safemath"
)

// SettlementPolicy is the penalty-distribution formula applied at
// resolution.
type SettlementPolicy struct {
	MaxScore            uint64
	FraudThreshold      uint64
	KeeperBounty        uint64
	ChallengerRewardPct uint64
}

// Settlement is the full set of transfers a resolution performs.
type Settlement struct {
	Fraud  bool
	Mean   uint64
	Voters int

	// Slashed moves from the defendant's stake to the treasury.
	Slashed uint64
	// KeeperBounty is paid to the resolver, from the treasury when fraud is
	// confirmed and from the challenger's stake otherwise.
	KeeperBounty uint64
	// ChallengerReward is paid from the treasury on fraud.
	ChallengerReward uint64
	// ChallengerRefund returns challenger stake from council escrow.
	ChallengerRefund uint64
	// DefendantAward is the challenger stake forfeited to the defendant.
	DefendantAward uint64
}

// MeanScore returns floor(sum/voters). Zero voters give zero.
func MeanScore(scores []uint64) (uint64, error) {
	if len(scores) == 0 {
		return 0, nil
	}
	sum, ok := safemath.Sum64(scores...)
	if !ok {
		return 0, ErrScoreOverflow
	}
	return sum / uint64(len(scores)), nil
}

// ComputeSettlement classifies the outcome and prices every transfer. It
// fails with ErrInsufficientFunds instead of short-paying anyone.
//
// With no votes at all the claim is upheld. If the defendant was already
// slashed by an earlier dispute there is nothing to slash, so a fraud
// verdict pays the bounty from the challenger's stake and refunds the rest.
func ComputeSettlement(p SettlementPolicy, scores []uint64, defendantStake, challengerStake uint64) (Settlement, error) {
	mean, err := MeanScore(scores)
	if err != nil {
		return Settlement{}, err
	}

	s := Settlement{
		Mean:   mean,
		Voters: len(scores),
		Fraud:  len(scores) > 0 && mean < p.FraudThreshold,
	}

	if !s.Fraud || defendantStake == 0 {
		remainder, ok := safemath.Sub64(challengerStake, p.KeeperBounty)
		if !ok {
			return Settlement{}, ErrInsufficientFunds
		}
		s.KeeperBounty = p.KeeperBounty
		if s.Fraud {
			s.ChallengerRefund = remainder
		} else {
			s.DefendantAward = remainder
		}
		return s, nil
	}

	reward, ok := safemath.MulDiv64(defendantStake, p.ChallengerRewardPct, 100)
	if !ok {
		return Settlement{}, ErrInsufficientFunds
	}
	payout, ok := safemath.Add64(p.KeeperBounty, reward)
	if !ok || payout > defendantStake {
		return Settlement{}, ErrInsufficientFunds
	}

	s.Slashed = defendantStake
	s.KeeperBounty = p.KeeperBounty
	s.ChallengerReward = reward
	s.ChallengerRefund = challengerStake
	return s, nil
}
