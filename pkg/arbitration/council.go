package arbitration

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"impact_verifier/pkg/compensation"
	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/randomness"
	"impact_verifier/pkg/registry"
	"impact_verifier/pkg/verification"
)

var (
	ErrDisputeExists          = ledger.NewError(ledger.KindReplay, "dispute already exists")
	ErrDisputeNotFound        = ledger.NewError(ledger.KindState, "dispute not found")
	ErrInvalidAuthorization   = ledger.NewError(ledger.KindProof, "invalid dispute authorization")
	ErrDefendantUnstaked      = ledger.NewError(ledger.KindResource, "defendant has no stake")
	ErrUnknownRequest         = ledger.NewError(ledger.KindState, "unknown randomness request")
	ErrNotAwaitingRandomness  = ledger.NewError(ledger.KindState, "dispute is not awaiting randomness")
	ErrInsufficientRandomness = ledger.NewError(ledger.KindResource, "not enough random words")
	ErrInsufficientCandidates = ledger.NewError(ledger.KindResource, "not enough eligible verifiers for committee")
	ErrInvalidCommitteeSize   = ledger.NewError(ledger.KindState, "committee size must be positive")
	ErrNotVoting              = ledger.NewError(ledger.KindState, "dispute is not in voting")
	ErrNotCommitteeMember     = ledger.NewError(ledger.KindAuthorization, "caller is not on the committee")
	ErrAlreadyVoted           = ledger.NewError(ledger.KindReplay, "member already voted")
	ErrVotingClosed           = ledger.NewError(ledger.KindState, "vote deadline has passed")
	ErrVotingOpen             = ledger.NewError(ledger.KindState, "vote deadline has not passed")
	ErrScoreOutOfRange        = ledger.NewError(ledger.KindState, "score out of range")
	ErrScoreOverflow          = ledger.NewError(ledger.KindResource, "score sum overflow")
	ErrAlreadyResolved        = ledger.NewError(ledger.KindReplay, "dispute already resolved")
	ErrInsufficientFunds      = ledger.NewError(ledger.KindResource, "insufficient funds for settlement")
	ErrNotFraud               = ledger.NewError(ledger.KindState, "dispute did not confirm fraud")
	ErrCompensationSet        = ledger.NewError(ledger.KindReplay, "compensation root already set")
	ErrNotTreasurer           = ledger.NewError(ledger.KindAuthorization, "council cannot spend treasury funds")
)

// Status is a dispute's stage. It only moves forward.
type Status string

const (
	StatusAwaitingRandomness Status = "AWAITING_RANDOMNESS"
	StatusVoting             Status = "VOTING"
	StatusResolved           Status = "RESOLVED"
)

// Outcome is a resolved dispute's verdict.
type Outcome string

const (
	OutcomeFraudConfirmed Outcome = "FRAUD_CONFIRMED"
	OutcomeClaimUpheld    Outcome = "CLAIM_UPHELD"
)

// TaskEngine is the verification side of a dispute.
type TaskEngine interface {
	ParticipantsTx(tx *ledger.Tx, claimID common.Hash) []common.Address
	ReceiveArbitrationResultTx(tx *ledger.Tx, claimID common.Hash, result verification.ArbitrationResult) error
}

// Dispute is the arbitration record for a challenged claim, keyed by the
// claim id.
type Dispute struct {
	ClaimID         common.Hash
	Defendant       common.Address
	Challenger      common.Address
	Status          Status
	ChallengerStake uint64
	Excluded        []common.Address
	RandomnessID    common.Hash
	CouncilMembers  []common.Address
	Votes           map[common.Address]uint64
	HasVoted        map[common.Address]bool
	VoteDeadline    time.Time
	FinalOutcome    Outcome
	Settlement      Settlement
	Keeper          common.Address
	CompensationSet bool
	CreatedAt       time.Time
	ResolvedAt      time.Time
}

// Config holds council parameters.
type Config struct {
	Address           common.Address
	CouncilSize       int
	VotePeriod        time.Duration
	ChallengerStake   uint64
	ExcludeChallenger bool
	Policy            SettlementPolicy
}

// Council selects committees, collects scores and settles disputes.
type Council struct {
	ledger       *ledger.Ledger
	registry     *registry.Registry
	oracle       randomness.Oracle
	engine       TaskEngine
	compensation *compensation.Ledger
	authorizer   *Authorizer
	cfg          Config
	logger       *zap.Logger

	disputes map[common.Hash]*Dispute
	requests map[common.Hash]common.Hash
}

// NewCouncil creates a council. Its address is registered as the escrow
// holding challenger stakes.
func NewCouncil(
	l *ledger.Ledger,
	reg *registry.Registry,
	oracle randomness.Oracle,
	engine TaskEngine,
	comp *compensation.Ledger,
	auth *Authorizer,
	cfg Config,
	logger *zap.Logger,
) *Council {
	l.RegisterEscrow(cfg.Address)
	return &Council{
		ledger:       l,
		registry:     reg,
		oracle:       oracle,
		engine:       engine,
		compensation: comp,
		authorizer:   auth,
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "arbitration")),
		disputes:     make(map[common.Hash]*Dispute),
		requests:     make(map[common.Hash]common.Hash),
	}
}

// Address is the council's escrow account.
func (c *Council) Address() common.Address {
	return c.cfg.Address
}

// CreateDispute opens a dispute on behalf of caller.
func (c *Council) CreateDispute(ctx context.Context, caller common.Address, claimID common.Hash, defendant common.Address, authorization []byte) error {
	return c.ledger.Execute(ctx, "arbitration.create_dispute", caller, func(tx *ledger.Tx) error {
		return c.CreateDisputeTx(tx, claimID, defendant, authorization)
	})
}

// CreateDisputeTx opens a dispute inside a running operation. The current
// caller is the challenger and must hold an authorization naming it. The
// challenger stake is collected, the defendant's stake is locked and
// randomness is requested for the committee.
func (c *Council) CreateDisputeTx(tx *ledger.Tx, claimID common.Hash, defendant common.Address, authorization []byte) error {
	challenger := tx.Caller()
	if _, exists := c.disputes[claimID]; exists {
		return ErrDisputeExists
	}
	if err := c.authorizer.Verify(claimID, defendant, challenger, authorization); err != nil {
		return err
	}
	if c.registry.StakeOfTx(tx, defendant) == 0 {
		return ErrDefendantUnstaked
	}

	excluded := map[common.Address]bool{defendant: true}
	for _, p := range c.engine.ParticipantsTx(tx, claimID) {
		excluded[p] = true
	}
	if c.cfg.ExcludeChallenger {
		excluded[challenger] = true
	}

	d := &Dispute{
		ClaimID:         claimID,
		Defendant:       defendant,
		Challenger:      challenger,
		Status:          StatusAwaitingRandomness,
		ChallengerStake: c.cfg.ChallengerStake,
		Excluded:        sortedAddresses(excluded),
		Votes:           make(map[common.Address]uint64),
		HasVoted:        make(map[common.Address]bool),
		CreatedAt:       tx.Now(),
	}
	c.disputes[claimID] = d
	tx.Journal(func() { delete(c.disputes, claimID) })

	if err := tx.Transfer(challenger, c.cfg.Address, c.cfg.ChallengerStake); err != nil {
		return err
	}

	err := tx.As(c.cfg.Address, func() error {
		return c.registry.LockTx(tx, defendant, claimID)
	})
	if err != nil {
		return err
	}

	var requestID common.Hash
	err = tx.As(c.cfg.Address, func() error {
		var err error
		requestID, err = c.oracle.RequestRandomnessTx(tx, c.cfg.CouncilSize)
		return err
	})
	if err != nil {
		return err
	}
	d.RandomnessID = requestID
	c.requests[requestID] = claimID
	tx.Journal(func() { delete(c.requests, requestID) })

	tx.Emit("DisputeCreated", claimID, map[string]any{
		"defendant":        defendant.Hex(),
		"challenger":       challenger.Hex(),
		"challenger_stake": c.cfg.ChallengerStake,
		"request_id":       requestID.Hex(),
		"excluded":         len(d.Excluded),
	})

	c.logger.Info("Dispute created",
		zap.String("claim_id", claimID.Hex()),
		zap.String("defendant", defendant.Hex()),
		zap.String("challenger", challenger.Hex()))
	return nil
}

// OnRandomnessReady seats the committee for the dispute that requested
// requestID. The caller must hold RoleOracle. With too few eligible
// verifiers the delivery fails and the dispute keeps waiting, so the
// oracle can deliver again once the pool has grown.
func (c *Council) OnRandomnessReady(ctx context.Context, caller common.Address, requestID common.Hash, words []uint64) error {
	return c.ledger.Execute(ctx, "arbitration.on_randomness_ready", caller, func(tx *ledger.Tx) error {
		if err := tx.RequireRole(ledger.RoleOracle); err != nil {
			return err
		}
		claimID, ok := c.requests[requestID]
		if !ok {
			return ErrUnknownRequest
		}
		d := c.disputes[claimID]
		if d.Status != StatusAwaitingRandomness {
			return ErrNotAwaitingRandomness
		}

		excluded := make(map[common.Address]bool, len(d.Excluded))
		for _, a := range d.Excluded {
			excluded[a] = true
		}
		pool := eligiblePool(c.registry.ActiveVerifiersTx(tx), excluded)

		members, err := SelectCommittee(pool, words, c.cfg.CouncilSize)
		if err != nil {
			return err
		}

		d.CouncilMembers = members
		d.Status = StatusVoting
		d.VoteDeadline = tx.Now().Add(c.cfg.VotePeriod)
		tx.Journal(func() {
			d.CouncilMembers = nil
			d.Status = StatusAwaitingRandomness
			d.VoteDeadline = time.Time{}
		})

		hexMembers := make([]string, len(members))
		for i, m := range members {
			hexMembers[i] = m.Hex()
		}
		tx.Emit("CommitteeSelected", claimID, map[string]any{
			"request_id":    requestID.Hex(),
			"members":       hexMembers,
			"pool_size":     len(pool),
			"vote_deadline": d.VoteDeadline,
		})
		return nil
	})
}

// Vote records a committee member's score for a claim.
func (c *Council) Vote(ctx context.Context, caller common.Address, claimID common.Hash, score uint64) error {
	return c.ledger.Execute(ctx, "arbitration.vote", caller, func(tx *ledger.Tx) error {
		d, ok := c.disputes[claimID]
		if !ok {
			return ErrDisputeNotFound
		}
		if d.Status != StatusVoting {
			return ErrNotVoting
		}
		if !isMember(d.CouncilMembers, caller) {
			return ErrNotCommitteeMember
		}
		if tx.Now().After(d.VoteDeadline) {
			return ErrVotingClosed
		}
		if d.HasVoted[caller] {
			return ErrAlreadyVoted
		}
		if score > c.cfg.Policy.MaxScore {
			return ErrScoreOutOfRange
		}

		d.Votes[caller] = score
		d.HasVoted[caller] = true
		tx.Journal(func() {
			delete(d.Votes, caller)
			delete(d.HasVoted, caller)
		})

		tx.Emit("VoteCast", claimID, map[string]any{
			"member": caller.Hex(),
			"score":  score,
		})
		return nil
	})
}

// ResolveDispute settles a dispute after its vote deadline. Anyone may
// call it and the caller collects the keeper bounty. Either every transfer
// happens or none does.
func (c *Council) ResolveDispute(ctx context.Context, caller common.Address, claimID common.Hash) error {
	return c.ledger.Execute(ctx, "arbitration.resolve_dispute", caller, func(tx *ledger.Tx) error {
		d, ok := c.disputes[claimID]
		if !ok {
			return ErrDisputeNotFound
		}
		switch d.Status {
		case StatusResolved:
			return ErrAlreadyResolved
		case StatusAwaitingRandomness:
			return ErrNotVoting
		}
		if !tx.Now().After(d.VoteDeadline) {
			return ErrVotingOpen
		}

		scores := make([]uint64, 0, len(d.CouncilMembers))
		for _, m := range d.CouncilMembers {
			if d.HasVoted[m] {
				scores = append(scores, d.Votes[m])
			}
		}

		defendantStake := c.registry.StakeOfTx(tx, d.Defendant)
		s, err := ComputeSettlement(c.cfg.Policy, scores, defendantStake, d.ChallengerStake)
		if err != nil {
			return err
		}

		keeper := tx.Caller()
		outcome := OutcomeClaimUpheld
		if s.Fraud {
			outcome = OutcomeFraudConfirmed
		}

		d.Status = StatusResolved
		d.FinalOutcome = outcome
		d.Settlement = s
		d.Keeper = keeper
		d.ResolvedAt = tx.Now()
		tx.Journal(func() {
			d.Status = StatusVoting
			d.FinalOutcome = ""
			d.Settlement = Settlement{}
			d.Keeper = common.Address{}
			d.ResolvedAt = time.Time{}
		})

		if err := c.settle(tx, d, s, keeper); err != nil {
			return err
		}

		tx.Emit("DisputeResolved", claimID, map[string]any{
			"outcome":           string(outcome),
			"mean":              s.Mean,
			"voters":            s.Voters,
			"slashed":           s.Slashed,
			"keeper":            keeper.Hex(),
			"keeper_bounty":     s.KeeperBounty,
			"challenger_reward": s.ChallengerReward,
			"challenger_refund": s.ChallengerRefund,
			"defendant_award":   s.DefendantAward,
		})

		c.logger.Info("Dispute resolved",
			zap.String("claim_id", claimID.Hex()),
			zap.String("outcome", string(outcome)),
			zap.Uint64("mean", s.Mean),
			zap.Int("voters", s.Voters))

		// the engine may call out to the issuer, so it goes last
		return tx.As(c.cfg.Address, func() error {
			return c.engine.ReceiveArbitrationResultTx(tx, claimID, verification.ArbitrationResult{
				Approved: !s.Fraud,
				Score:    s.Mean,
				MaxScore: c.cfg.Policy.MaxScore,
			})
		})
	})
}

func (c *Council) settle(tx *ledger.Tx, d *Dispute, s Settlement, keeper common.Address) error {
	return tx.As(c.cfg.Address, func() error {
		if s.Slashed > 0 {
			slashed, err := c.registry.SlashTx(tx, d.Defendant)
			if err != nil {
				return err
			}
			if slashed != s.Slashed {
				return ErrInsufficientFunds
			}
		}

		if s.Fraud && s.Slashed > 0 {
			if err := c.payFromTreasury(tx, keeper, s.KeeperBounty); err != nil {
				return err
			}
			if err := c.payFromTreasury(tx, d.Challenger, s.ChallengerReward); err != nil {
				return err
			}
		} else if err := c.pay(tx, c.cfg.Address, keeper, s.KeeperBounty); err != nil {
			return err
		}

		if err := c.pay(tx, c.cfg.Address, d.Challenger, s.ChallengerRefund); err != nil {
			return err
		}
		if err := c.pay(tx, c.cfg.Address, d.Defendant, s.DefendantAward); err != nil {
			return err
		}

		return c.registry.UnlockTx(tx, d.Defendant, d.ClaimID)
	})
}

func (c *Council) payFromTreasury(tx *ledger.Tx, to common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := tx.RequireRole(ledger.RoleTreasurer); err != nil {
		return ErrNotTreasurer
	}
	return c.pay(tx, c.registry.Treasury(), to, amount)
}

func (c *Council) pay(tx *ledger.Tx, from, to common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	return tx.Transfer(from, to, amount)
}

// SetCompensationRoot commits the victims' merkle root for a claim whose
// dispute confirmed fraud and funds the pool with total from the treasury.
// The caller must hold RoleCouncilAdmin. It can be set once per dispute.
func (c *Council) SetCompensationRoot(ctx context.Context, caller common.Address, claimID, root common.Hash, total uint64) error {
	return c.ledger.Execute(ctx, "arbitration.set_compensation_root", caller, func(tx *ledger.Tx) error {
		if err := tx.RequireRole(ledger.RoleCouncilAdmin); err != nil {
			return err
		}
		d, ok := c.disputes[claimID]
		if !ok {
			return ErrDisputeNotFound
		}
		if d.Status != StatusResolved || d.FinalOutcome != OutcomeFraudConfirmed {
			return ErrNotFraud
		}
		if d.CompensationSet {
			return ErrCompensationSet
		}

		d.CompensationSet = true
		tx.Journal(func() { d.CompensationSet = false })

		return tx.As(c.cfg.Address, func() error {
			if err := c.payFromTreasury(tx, c.compensation.Address(), total); err != nil {
				return err
			}
			return c.compensation.SetRootTx(tx, claimID, root, total)
		})
	})
}

// Dispute returns a copy of the dispute for claimID.
func (c *Council) Dispute(claimID common.Hash) (Dispute, bool) {
	var (
		out Dispute
		ok  bool
	)
	c.ledger.View(func() {
		var d *Dispute
		if d, ok = c.disputes[claimID]; ok {
			out = d.snapshot()
		}
	})
	return out, ok
}

// Outcome returns the final outcome once a dispute is resolved.
func (c *Council) Outcome(claimID common.Hash) (Outcome, bool) {
	var out Outcome
	c.ledger.View(func() {
		if d, ok := c.disputes[claimID]; ok && d.Status == StatusResolved {
			out = d.FinalOutcome
		}
	})
	return out, out != ""
}

// ResolvableDisputes lists disputes in voting whose deadline passed before
// now, earliest deadline first.
func (c *Council) ResolvableDisputes(now time.Time) []common.Hash {
	var found []*Dispute
	c.ledger.View(func() {
		for _, d := range c.disputes {
			if d.Status == StatusVoting && now.After(d.VoteDeadline) {
				found = append(found, d)
			}
		}
		sort.Slice(found, func(i, j int) bool {
			if found[i].VoteDeadline.Equal(found[j].VoteDeadline) {
				return found[i].ClaimID.Hex() < found[j].ClaimID.Hex()
			}
			return found[i].VoteDeadline.Before(found[j].VoteDeadline)
		})
	})
	out := make([]common.Hash, len(found))
	for i, d := range found {
		out[i] = d.ClaimID
	}
	return out
}

// InFlightStake sums challenger stakes held for unresolved disputes.
func (c *Council) InFlightStake() uint64 {
	var total uint64
	c.ledger.View(func() {
		for _, d := range c.disputes {
			if d.Status != StatusResolved {
				total += d.ChallengerStake
			}
		}
	})
	return total
}

func (d *Dispute) snapshot() Dispute {
	out := *d
	out.Excluded = append([]common.Address(nil), d.Excluded...)
	out.CouncilMembers = append([]common.Address(nil), d.CouncilMembers...)
	out.Votes = make(map[common.Address]uint64, len(d.Votes))
	for k, v := range d.Votes {
		out.Votes[k] = v
	}
	out.HasVoted = make(map[common.Address]bool, len(d.HasVoted))
	for k, v := range d.HasVoted {
		out.HasVoted[k] = v
	}
	return out
}

func isMember(members []common.Address, a common.Address) bool {
	for _, m := range members {
		if m == a {
			return true
		}
	}
	return false
}

func sortedAddresses(set map[common.Address]bool) []common.Address {
	out := make([]common.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hex() < out[j].Hex()
	})
	return out
}
