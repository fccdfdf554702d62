package arbitration

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"impact_verifier/pkg/compensation"
	"impact_verifier/pkg/issuance"
	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/randomness"
	"impact_verifier/pkg/registry"
	"impact_verifier/pkg/reputation"
	"impact_verifier/pkg/verification"
)

const (
	evidence        = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	minStake        = 1000
	challengerStake = 500
	keeperBounty    = 10
	rewardPct       = 20
	challengeWindow = time.Hour
	votePeriod      = 2 * time.Hour
	chainID         = 31337
)

var (
	bank       = common.HexToAddress("0xba")
	admin      = common.HexToAddress("0xad")
	router     = common.HexToAddress("0x70")
	keeper     = common.HexToAddress("0x6e")
	challenger = common.HexToAddress("0x3a")
	regAddr    = common.HexToAddress("0x0a01")
	treasury   = common.HexToAddress("0x0a02")
	engineAddr = common.HexToAddress("0x0a03")
	councilAdr = common.HexToAddress("0x0a04")
	oracleAddr = common.HexToAddress("0x0a05")
	poolAddr   = common.HexToAddress("0x0a07")

	subject = common.HexToHash("0x5b")
	claim   = common.HexToHash("0xc1a1")
)

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *clock.Mock
	ledger  *ledger.Ledger
	rep     *reputation.Book
	reg     *registry.Registry
	engine  *verification.Engine
	oracle  *randomness.LocalOracle
	comp    *compensation.Ledger
	council *Council
	credits *issuance.CreditBook
	events  *ledger.Recorder

	verifiers []common.Address
}

type option func(*Config)

func withPolicy(p SettlementPolicy) option {
	return func(c *Config) { c.Policy = p }
}

func withCouncilSize(n int) option {
	return func(c *Config) { c.CouncilSize = n }
}

func defaultPolicy() SettlementPolicy {
	return SettlementPolicy{
		MaxScore:            100,
		FraudThreshold:      50,
		KeeperBounty:        keeperBounty,
		ChallengerRewardPct: rewardPct,
	}
}

func verifierAddr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

// setupProtocol wires every component against one ledger and registers
// numVerifiers verifiers.
func setupProtocol(t *testing.T, numVerifiers int, opts ...option) *harness {
	logger := zaptest.NewLogger(t)
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	l := ledger.New(clk, logger)
	rec := &ledger.Recorder{}
	l.AddSink(rec)

	l.Grant(ledger.RoleMinter, bank)
	l.Grant(ledger.RoleReputationAdmin, admin)
	l.Grant(ledger.RoleReputationAdmin, regAddr)
	l.Grant(ledger.RoleRouter, router)
	l.Grant(ledger.RoleCouncilAdmin, admin)
	l.Grant(ledger.RoleOracle, oracleAddr)
	for _, r := range []ledger.Role{ledger.RoleSlasher, ledger.RoleCouncil, ledger.RoleTreasurer} {
		l.Grant(r, councilAdr)
	}

	rep := reputation.NewBook(l, logger)
	reg := registry.New(l, rep, registry.Config{
		Address:       regAddr,
		Treasury:      treasury,
		MinStake:      minStake,
		MinReputation: 10,
		UnstakeLock:   time.Hour,
	}, logger)

	signer, err := verification.NewSigner("", chainID)
	require.NoError(t, err)
	credits := issuance.NewCreditBook(1000, logger)
	engine := verification.NewEngine(l, reg, signer, credits, verification.Config{
		Address:         engineAddr,
		ChallengeWindow: challengeWindow,
	}, logger)

	oracle := randomness.NewLocalOracle(l, oracleAddr, []byte("test-seed"), 0, logger)
	comp := compensation.New(l, poolAddr, logger)

	cfg := Config{
		Address:           councilAdr,
		CouncilSize:       3,
		VotePeriod:        votePeriod,
		ChallengerStake:   challengerStake,
		ExcludeChallenger: true,
		Policy:            defaultPolicy(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	council := NewCouncil(l, reg, oracle, engine, comp,
		NewAuthorizer(signer.Address(), chainID, engineAddr), cfg, logger)
	engine.SetArbiter(council)
	oracle.SetConsumer(council)

	h := &harness{
		t: t, ctx: context.Background(), clock: clk, ledger: l, rep: rep, reg: reg,
		engine: engine, oracle: oracle, comp: comp, council: council,
		credits: credits, events: rec,
	}
	require.NoError(t, l.Mint(h.ctx, bank, challenger, 5000))
	h.addVerifiers(numVerifiers)
	return h
}

func (h *harness) addVerifiers(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		v := verifierAddr(len(h.verifiers))
		require.NoError(h.t, h.ledger.Mint(h.ctx, bank, v, 2000))
		require.NoError(h.t, h.rep.Grant(h.ctx, admin, v, 50))
		require.NoError(h.t, h.reg.Register(h.ctx, v))
		h.verifiers = append(h.verifiers, v)
	}
}

func (h *harness) defendant() common.Address {
	return h.verifiers[0]
}

// openDispute starts a task attested by the first verifier and challenges
// it.
func (h *harness) openDispute() {
	h.t.Helper()
	_, err := h.engine.StartTask(h.ctx, router, verification.TaskRequest{
		SubjectID:   subject,
		ClaimID:     claim,
		EvidenceRef: evidence,
		Attester:    h.defendant(),
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.engine.Challenge(h.ctx, challenger, claim))
}

// seat delivers pending randomness and returns the committee.
func (h *harness) seat() []common.Address {
	h.t.Helper()
	n, err := h.oracle.FulfillDue(h.ctx)
	require.NoError(h.t, err)
	require.Equal(h.t, 1, n)

	d, ok := h.council.Dispute(claim)
	require.True(h.t, ok)
	require.Equal(h.t, StatusVoting, d.Status)
	return d.CouncilMembers
}

func (h *harness) voteAll(members []common.Address, scores ...uint64) {
	h.t.Helper()
	for i, s := range scores {
		require.NoError(h.t, h.council.Vote(h.ctx, members[i], claim, s), fmt.Sprintf("member %d", i))
	}
}

func (h *harness) afterVoting() {
	h.clock.Add(votePeriod + time.Second)
}

// conserved checks every token that entered protocol escrow is still held
// by one of its accounts.
func (h *harness) conserved() {
	h.t.Helper()
	deposited, withdrawn := h.ledger.EscrowFlows()
	held := h.ledger.BalanceOf(regAddr) +
		h.ledger.BalanceOf(treasury) +
		h.ledger.BalanceOf(councilAdr) +
		h.ledger.BalanceOf(poolAddr)
	assert.Equal(h.t, deposited-withdrawn, held, "escrow conservation")
	assert.Equal(h.t, h.reg.TotalStaked(), h.ledger.BalanceOf(regAddr), "registry holds exactly the stakes")
	assert.Equal(h.t, h.council.InFlightStake(), h.ledger.BalanceOf(councilAdr), "council holds exactly in-flight stakes")
}

type balances map[common.Address]uint64

func (h *harness) snapshot(accounts ...common.Address) balances {
	out := make(balances, len(accounts))
	for _, a := range accounts {
		out[a] = h.ledger.BalanceOf(a)
	}
	return out
}
