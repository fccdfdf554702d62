package registry

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/reputation"
)

var (
	bank     = common.HexToAddress("0xba")
	admin    = common.HexToAddress("0xad")
	slasher  = common.HexToAddress("0x51")
	regAddr  = common.HexToAddress("0x0a01")
	treasury = common.HexToAddress("0x0a02")
	alice    = common.HexToAddress("0xa1")
	bob      = common.HexToAddress("0xb0")
	carol    = common.HexToAddress("0xc0")
)

const (
	minStake = 1000
	minRep   = 10
	lock     = 24 * time.Hour
)

type harness struct {
	clock  *clock.Mock
	ledger *ledger.Ledger
	rep    *reputation.Book
	reg    *Registry
	events *ledger.Recorder
}

func setupTestRegistry(t *testing.T) *harness {
	logger := zaptest.NewLogger(t)
	clk := clock.NewMock()
	l := ledger.New(clk, logger)
	rec := &ledger.Recorder{}
	l.AddSink(rec)

	l.Grant(ledger.RoleMinter, bank)
	l.Grant(ledger.RoleReputationAdmin, admin)
	l.Grant(ledger.RoleReputationAdmin, regAddr)
	l.Grant(ledger.RoleSlasher, slasher)

	book := reputation.NewBook(l, logger)
	reg := New(l, book, Config{
		Address:       regAddr,
		Treasury:      treasury,
		MinStake:      minStake,
		MinReputation: minRep,
		UnstakeLock:   lock,
	}, logger)

	ctx := context.Background()
	for _, a := range []common.Address{alice, bob, carol} {
		require.NoError(t, l.Mint(ctx, bank, a, 5000))
		require.NoError(t, book.Grant(ctx, admin, a, 25))
	}
	return &harness{clock: clk, ledger: l, rep: book, reg: reg, events: rec}
}

// conserved checks that every token that crossed into escrow is still held
// by the registry or the treasury.
func (h *harness) conserved(t *testing.T) {
	t.Helper()
	deposited, withdrawn := h.ledger.EscrowFlows()
	held := h.ledger.BalanceOf(regAddr) + h.ledger.BalanceOf(treasury)
	assert.Equal(t, deposited-withdrawn, held)
	assert.Equal(t, h.reg.TotalStaked(), h.ledger.BalanceOf(regAddr))
}

func TestRegister(t *testing.T) {
	h := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, h.reg.Register(ctx, alice))

	v, ok := h.reg.Verifier(alice)
	require.True(t, ok)
	assert.True(t, v.Active)
	assert.Equal(t, uint64(minStake), v.Stake)
	assert.Equal(t, uint64(25), v.ReputationSnapshot)
	assert.Equal(t, uint64(4000), h.ledger.BalanceOf(alice))
	assert.Equal(t, []common.Address{alice}, h.reg.AllVerifiers())
	assert.Len(t, h.events.Named("VerifierRegistered"), 1)

	t.Run("Twice", func(t *testing.T) {
		err := h.reg.Register(ctx, alice)
		assert.ErrorIs(t, err, ErrAlreadyRegistered)
		assert.Equal(t, ledger.KindReplay, ledger.KindOf(err))
	})

	t.Run("LowReputation", func(t *testing.T) {
		dave := common.HexToAddress("0xd0")
		require.NoError(t, h.ledger.Mint(ctx, bank, dave, 5000))
		err := h.reg.Register(ctx, dave)
		assert.ErrorIs(t, err, ErrInsufficientRep)
		_, ok := h.reg.Verifier(dave)
		assert.False(t, ok)
	})

	t.Run("CannotPayStake", func(t *testing.T) {
		erin := common.HexToAddress("0xe1")
		require.NoError(t, h.rep.Grant(ctx, admin, erin, 50))
		err := h.reg.Register(ctx, erin)
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		assert.False(t, h.reg.IsActive(erin))
		assert.NotContains(t, h.reg.AllVerifiers(), erin)
	})

	h.conserved(t)
}

func TestUnstake_TwoPhase(t *testing.T) {
	h := setupTestRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.reg.InitiateUnstake(ctx, alice), ErrNotRegistered)
	assert.ErrorIs(t, h.reg.Unstake(ctx, alice), ErrNotRegistered)

	require.NoError(t, h.reg.Register(ctx, alice))
	assert.ErrorIs(t, h.reg.Unstake(ctx, alice), ErrStillActive)

	require.NoError(t, h.reg.InitiateUnstake(ctx, alice))
	assert.False(t, h.reg.IsActive(alice))
	assert.Empty(t, h.reg.AllVerifiers())
	assert.ErrorIs(t, h.reg.InitiateUnstake(ctx, alice), ErrNotActive)

	h.clock.Add(lock - time.Second)
	assert.ErrorIs(t, h.reg.Unstake(ctx, alice), ErrLockNotElapsed)

	h.clock.Add(time.Second)
	require.NoError(t, h.reg.Unstake(ctx, alice))
	assert.Equal(t, uint64(5000), h.ledger.BalanceOf(alice))
	assert.Equal(t, uint64(0), h.reg.StakeOf(alice))

	assert.ErrorIs(t, h.reg.Unstake(ctx, alice), ErrNothingToUnstake)

	// an exited verifier may come back
	require.NoError(t, h.reg.Register(ctx, alice))
	assert.True(t, h.reg.IsActive(alice))
	h.conserved(t)
}

func TestUnstake_BlockedByLock(t *testing.T) {
	h := setupTestRegistry(t)
	ctx := context.Background()
	claim := common.HexToHash("0x01")

	require.NoError(t, h.reg.Register(ctx, alice))
	require.NoError(t, h.ledger.Execute(ctx, "lock", slasher, func(tx *ledger.Tx) error {
		return h.reg.LockTx(tx, alice, claim)
	}))

	require.NoError(t, h.reg.InitiateUnstake(ctx, alice))
	h.clock.Add(lock)
	assert.ErrorIs(t, h.reg.Unstake(ctx, alice), ErrStakeLocked)

	err := h.ledger.Execute(ctx, "unlock", alice, func(tx *ledger.Tx) error {
		return h.reg.UnlockTx(tx, alice, claim)
	})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	require.NoError(t, h.ledger.Execute(ctx, "unlock", slasher, func(tx *ledger.Tx) error {
		return h.reg.UnlockTx(tx, alice, claim)
	}))
	require.NoError(t, h.reg.Unstake(ctx, alice))

	err = h.ledger.Execute(ctx, "unlock", slasher, func(tx *ledger.Tx) error {
		return h.reg.UnlockTx(tx, alice, claim)
	})
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestSlash(t *testing.T) {
	h := setupTestRegistry(t)
	ctx := context.Background()

	for _, a := range []common.Address{alice, bob, carol} {
		require.NoError(t, h.reg.Register(ctx, a))
	}

	err := h.reg.Slash(ctx, alice, bob)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.Equal(t, ledger.KindAuthorization, ledger.KindOf(err))

	require.NoError(t, h.reg.Slash(ctx, slasher, alice))

	v, ok := h.reg.Verifier(alice)
	require.True(t, ok, "slashed records are kept")
	assert.False(t, v.Active)
	assert.Equal(t, uint64(0), v.Stake)
	assert.Equal(t, uint64(minStake), h.ledger.BalanceOf(treasury))
	assert.Equal(t, uint64(0), h.rep.ReputationOf(alice))

	active := h.reg.AllVerifiers()
	assert.Len(t, active, 2)
	assert.NotContains(t, active, alice)
	assert.ElementsMatch(t, []common.Address{bob, carol}, active)

	t.Run("SecondSlashFailsCleanly", func(t *testing.T) {
		err := h.reg.Slash(ctx, slasher, alice)
		assert.ErrorIs(t, err, ErrNothingToSlash)
		assert.Equal(t, uint64(minStake), h.ledger.BalanceOf(treasury))
	})

	t.Run("NeverRegistered", func(t *testing.T) {
		err := h.reg.Slash(ctx, slasher, common.HexToAddress("0x99"))
		assert.ErrorIs(t, err, ErrNothingToSlash)
	})

	t.Run("ExitingVerifierStillSlashable", func(t *testing.T) {
		require.NoError(t, h.reg.InitiateUnstake(ctx, carol))
		require.NoError(t, h.reg.Slash(ctx, slasher, carol))
		assert.Equal(t, []common.Address{bob}, h.reg.AllVerifiers())
	})

	h.conserved(t)
}

func TestSlash_RollsBackOnPenaltyFailure(t *testing.T) {
	h := setupTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, h.reg.Register(ctx, alice))
	require.NoError(t, h.reg.Register(ctx, bob))

	h.ledger.Revoke(ledger.RoleReputationAdmin, regAddr)

	err := h.reg.Slash(ctx, slasher, alice)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	v, _ := h.reg.Verifier(alice)
	assert.True(t, v.Active)
	assert.Equal(t, uint64(minStake), v.Stake)
	assert.Equal(t, uint64(0), h.ledger.BalanceOf(treasury))
	assert.Equal(t, []common.Address{alice, bob}, h.reg.AllVerifiers())
	h.conserved(t)
}

func TestActiveSet_SwapAndPop(t *testing.T) {
	h := setupTestRegistry(t)
	ctx := context.Background()

	for _, a := range []common.Address{alice, bob, carol} {
		require.NoError(t, h.reg.Register(ctx, a))
	}
	require.NoError(t, h.reg.InitiateUnstake(ctx, alice))
	assert.Equal(t, []common.Address{carol, bob}, h.reg.AllVerifiers())

	require.NoError(t, h.reg.InitiateUnstake(ctx, bob))
	assert.Equal(t, []common.Address{carol}, h.reg.AllVerifiers())

	require.NoError(t, h.reg.Slash(ctx, slasher, carol))
	assert.Empty(t, h.reg.AllVerifiers())

	for _, a := range []common.Address{alice, bob, carol} {
		assert.False(t, h.reg.IsActive(a))
	}
}

func TestStakeConservation_RandomSequence(t *testing.T) {
	h := setupTestRegistry(t)
	ctx := context.Background()
	accounts := []common.Address{alice, bob, carol}

	steps := []struct {
		op      string
		account common.Address
	}{
		{"register", alice}, {"register", bob}, {"register", carol},
		{"slash", bob}, {"initiate", alice}, {"advance", common.Address{}},
		{"unstake", alice}, {"register", alice}, {"slash", alice},
		{"slash", alice}, {"initiate", carol}, {"unstake", carol},
	}

	for _, s := range steps {
		switch s.op {
		case "register":
			_ = h.reg.Register(ctx, s.account)
		case "initiate":
			_ = h.reg.InitiateUnstake(ctx, s.account)
		case "unstake":
			_ = h.reg.Unstake(ctx, s.account)
		case "slash":
			_ = h.reg.Slash(ctx, slasher, s.account)
		case "advance":
			h.clock.Add(lock)
		}
		h.conserved(t)

		for _, a := range accounts {
			v, ok := h.reg.Verifier(a)
			if ok && v.Active {
				assert.GreaterOrEqual(t, v.Stake, uint64(minStake))
			}
		}
	}
}
