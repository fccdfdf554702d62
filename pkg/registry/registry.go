package registry

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/reputation"
	"impact_verifier/pkg/safemath"
)

var (
	ErrAlreadyRegistered = ledger.NewError(ledger.KindReplay, "verifier already registered")
	ErrNotRegistered     = ledger.NewError(ledger.KindState, "verifier not registered")
	ErrNotActive         = ledger.NewError(ledger.KindState, "verifier not active")
	ErrStillActive       = ledger.NewError(ledger.KindState, "verifier still active, initiate unstake first")
	ErrLockNotElapsed    = ledger.NewError(ledger.KindState, "unstake lock has not elapsed")
	ErrStakeLocked       = ledger.NewError(ledger.KindState, "stake locked by open dispute")
	ErrNothingToSlash    = ledger.NewError(ledger.KindResource, "verifier has nothing to slash")
	ErrNothingToUnstake  = ledger.NewError(ledger.KindResource, "verifier has nothing to unstake")
	ErrInsufficientRep   = ledger.NewError(ledger.KindResource, "reputation below minimum")
	ErrNotLocked         = ledger.NewError(ledger.KindState, "stake is not locked")
)

// Config holds the registry's eligibility parameters.
type Config struct {
	Address       common.Address
	Treasury      common.Address
	MinStake      uint64
	MinReputation uint64
	UnstakeLock   time.Duration
}

// Verifier is the per-account record. Records are zeroed in place, never
// removed, so history stays auditable.
type Verifier struct {
	Account            common.Address
	Stake              uint64
	ReputationSnapshot uint64
	UnstakeUnlockTime  time.Time
	Active             bool
	Locks              int
	RegisteredAt       time.Time
	SlashedAt          time.Time
}

// Registry tracks staked verifiers and owns the single slashing path.
type Registry struct {
	ledger *ledger.Ledger
	rep    *reputation.Book
	cfg    Config
	logger *zap.Logger

	verifiers map[common.Address]*Verifier
	active    []common.Address
	index     map[common.Address]int
}

// New creates a registry. Its address and the treasury are registered as
// escrow accounts on the ledger.
func New(l *ledger.Ledger, rep *reputation.Book, cfg Config, logger *zap.Logger) *Registry {
	l.RegisterEscrow(cfg.Address)
	l.RegisterEscrow(cfg.Treasury)
	return &Registry{
		ledger:    l,
		rep:       rep,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "registry")),
		verifiers: make(map[common.Address]*Verifier),
		index:     make(map[common.Address]int),
	}
}

// Address is the registry's escrow account.
func (r *Registry) Address() common.Address {
	return r.cfg.Address
}

// Treasury receives slashed stake.
func (r *Registry) Treasury() common.Address {
	return r.cfg.Treasury
}

// Register stakes the minimum amount from caller and activates it.
func (r *Registry) Register(ctx context.Context, caller common.Address) error {
	return r.ledger.Execute(ctx, "registry.register", caller, func(tx *ledger.Tx) error {
		v, exists := r.verifiers[caller]
		if exists && (v.Active || v.Stake > 0) {
			return ErrAlreadyRegistered
		}

		rep := r.rep.ReputationOfTx(tx, caller)
		if rep < r.cfg.MinReputation {
			return ErrInsufficientRep
		}

		if !exists {
			v = &Verifier{Account: caller}
			r.verifiers[caller] = v
		}
		prev := *v
		v.Stake = r.cfg.MinStake
		v.ReputationSnapshot = rep
		v.UnstakeUnlockTime = time.Time{}
		v.Active = true
		v.RegisteredAt = tx.Now()
		tx.Journal(func() {
			if !exists {
				delete(r.verifiers, caller)
				return
			}
			*v = prev
		})
		r.addActive(tx, caller)

		if err := tx.Transfer(caller, r.cfg.Address, r.cfg.MinStake); err != nil {
			return err
		}

		tx.Emit("VerifierRegistered", common.Hash{}, map[string]any{
			"verifier":   caller.Hex(),
			"stake":      r.cfg.MinStake,
			"reputation": rep,
		})
		return nil
	})
}

// InitiateUnstake deactivates caller and starts the unstake lock.
func (r *Registry) InitiateUnstake(ctx context.Context, caller common.Address) error {
	return r.ledger.Execute(ctx, "registry.initiate_unstake", caller, func(tx *ledger.Tx) error {
		v, ok := r.verifiers[caller]
		if !ok {
			return ErrNotRegistered
		}
		if !v.Active {
			return ErrNotActive
		}

		prev := *v
		v.Active = false
		v.UnstakeUnlockTime = tx.Now().Add(r.cfg.UnstakeLock)
		tx.Journal(func() { *v = prev })
		r.removeActive(tx, caller)

		tx.Emit("UnstakeInitiated", common.Hash{}, map[string]any{
			"verifier":  caller.Hex(),
			"unlock_at": v.UnstakeUnlockTime,
		})
		return nil
	})
}

// Unstake returns the stake once the lock has elapsed.
func (r *Registry) Unstake(ctx context.Context, caller common.Address) error {
	return r.ledger.Execute(ctx, "registry.unstake", caller, func(tx *ledger.Tx) error {
		v, ok := r.verifiers[caller]
		if !ok {
			return ErrNotRegistered
		}
		if v.Active {
			return ErrStillActive
		}
		if v.Stake == 0 {
			return ErrNothingToUnstake
		}
		if v.Locks > 0 {
			return ErrStakeLocked
		}
		if tx.Now().Before(v.UnstakeUnlockTime) {
			return ErrLockNotElapsed
		}

		amount := v.Stake
		prev := *v
		v.Stake = 0
		v.UnstakeUnlockTime = time.Time{}
		tx.Journal(func() { *v = prev })

		if err := tx.Transfer(r.cfg.Address, caller, amount); err != nil {
			return err
		}

		tx.Emit("Unstaked", common.Hash{}, map[string]any{
			"verifier": caller.Hex(),
			"amount":   amount,
		})
		return nil
	})
}

// Slash forfeits the verifier's whole stake to the treasury. The caller must
// hold RoleSlasher.
func (r *Registry) Slash(ctx context.Context, caller, verifier common.Address) error {
	return r.ledger.Execute(ctx, "registry.slash", caller, func(tx *ledger.Tx) error {
		_, err := r.SlashTx(tx, verifier)
		return err
	})
}

// SlashTx slashes inside a running operation and returns the forfeited
// amount.
func (r *Registry) SlashTx(tx *ledger.Tx, verifier common.Address) (uint64, error) {
	if err := tx.RequireRole(ledger.RoleSlasher); err != nil {
		return 0, err
	}
	v, ok := r.verifiers[verifier]
	if !ok || v.Stake == 0 {
		return 0, ErrNothingToSlash
	}

	amount := v.Stake
	penalty := v.ReputationSnapshot
	wasActive := v.Active

	// effects before the transfer out
	prev := *v
	v.Stake = 0
	v.Active = false
	v.UnstakeUnlockTime = time.Time{}
	v.SlashedAt = tx.Now()
	tx.Journal(func() { *v = prev })
	if wasActive {
		r.removeActive(tx, verifier)
	}

	if err := tx.Transfer(r.cfg.Address, r.cfg.Treasury, amount); err != nil {
		return 0, err
	}

	err := tx.As(r.cfg.Address, func() error {
		return r.rep.PenalizeTx(tx, verifier, penalty)
	})
	if err != nil {
		return 0, err
	}

	tx.Emit("VerifierSlashed", common.Hash{}, map[string]any{
		"verifier":           verifier.Hex(),
		"amount":             amount,
		"reputation_penalty": penalty,
		"treasury":           r.cfg.Treasury.Hex(),
	})

	r.logger.Info("Verifier slashed",
		zap.String("verifier", verifier.Hex()),
		zap.Uint64("amount", amount))
	return amount, nil
}

// LockTx pins a verifier's stake while a dispute against it is open. The
// caller must hold RoleSlasher.
func (r *Registry) LockTx(tx *ledger.Tx, verifier common.Address, claimID common.Hash) error {
	if err := tx.RequireRole(ledger.RoleSlasher); err != nil {
		return err
	}
	v, ok := r.verifiers[verifier]
	if !ok {
		return ErrNotRegistered
	}
	v.Locks++
	tx.Journal(func() { v.Locks-- })

	tx.Emit("StakeLocked", claimID, map[string]any{
		"verifier": verifier.Hex(),
		"locks":    v.Locks,
	})
	return nil
}

// UnlockTx releases one lock taken by LockTx. Unlocking a slashed record is
// allowed.
func (r *Registry) UnlockTx(tx *ledger.Tx, verifier common.Address, claimID common.Hash) error {
	if err := tx.RequireRole(ledger.RoleSlasher); err != nil {
		return err
	}
	v, ok := r.verifiers[verifier]
	if !ok {
		return ErrNotRegistered
	}
	if v.Locks == 0 {
		return ErrNotLocked
	}
	v.Locks--
	tx.Journal(func() { v.Locks++ })

	tx.Emit("StakeUnlocked", claimID, map[string]any{
		"verifier": verifier.Hex(),
		"locks":    v.Locks,
	})
	return nil
}

// IsActiveTx reads activity inside a running operation.
func (r *Registry) IsActiveTx(_ *ledger.Tx, account common.Address) bool {
	_, ok := r.index[account]
	return ok
}

// StakeOfTx reads a stake inside a running operation.
func (r *Registry) StakeOfTx(_ *ledger.Tx, account common.Address) uint64 {
	if v, ok := r.verifiers[account]; ok {
		return v.Stake
	}
	return 0
}

// ActiveVerifiersTx returns a copy of the active set inside a running
// operation.
func (r *Registry) ActiveVerifiersTx(_ *ledger.Tx) []common.Address {
	out := make([]common.Address, len(r.active))
	copy(out, r.active)
	return out
}

// AllVerifiers returns the currently active verifiers.
func (r *Registry) AllVerifiers() []common.Address {
	var out []common.Address
	r.ledger.View(func() {
		out = make([]common.Address, len(r.active))
		copy(out, r.active)
	})
	return out
}

// Verifier returns a copy of the record for account.
func (r *Registry) Verifier(account common.Address) (Verifier, bool) {
	var (
		out Verifier
		ok  bool
	)
	r.ledger.View(func() {
		var v *Verifier
		if v, ok = r.verifiers[account]; ok {
			out = *v
		}
	})
	return out, ok
}

// IsActive reports whether account is in the active set.
func (r *Registry) IsActive(account common.Address) bool {
	var ok bool
	r.ledger.View(func() {
		_, ok = r.index[account]
	})
	return ok
}

// StakeOf returns the stake held for account.
func (r *Registry) StakeOf(account common.Address) uint64 {
	var stake uint64
	r.ledger.View(func() {
		if v, ok := r.verifiers[account]; ok {
			stake = v.Stake
		}
	})
	return stake
}

// TotalStaked sums every record's stake, active or exiting.
func (r *Registry) TotalStaked() uint64 {
	var total uint64
	r.ledger.View(func() {
		var ok bool
		for _, v := range r.verifiers {
			if total, ok = safemath.Add64(total, v.Stake); !ok {
				r.logger.Error("Total stake overflow")
				return
			}
		}
	})
	return total
}

func (r *Registry) addActive(tx *ledger.Tx, account common.Address) {
	r.index[account] = len(r.active)
	r.active = append(r.active, account)
	tx.Journal(func() {
		r.active = r.active[:len(r.active)-1]
		delete(r.index, account)
	})
}

// removeActive swaps account with the last element and truncates.
func (r *Registry) removeActive(tx *ledger.Tx, account common.Address) {
	i, ok := r.index[account]
	if !ok {
		return
	}
	last := len(r.active) - 1
	moved := r.active[last]
	r.active[i] = moved
	r.index[moved] = i
	r.active = r.active[:last]
	delete(r.index, account)

	tx.Journal(func() {
		r.active = append(r.active, moved)
		r.active[i] = account
		r.index[moved] = last
		r.index[account] = i
	})
}
