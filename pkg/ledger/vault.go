package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"impact_verifier/pkg/safemath"
)

// vault holds token balances. Accounts registered as escrow belong to the
// protocol; flows across the escrow boundary are counted so stake
// conservation can be checked.
type vault struct {
	balances  map[common.Address]uint64
	escrow    map[common.Address]struct{}
	deposited uint64
	withdrawn uint64
	supply    uint64
}

func newVault() *vault {
	return &vault{
		balances: make(map[common.Address]uint64),
		escrow:   make(map[common.Address]struct{}),
	}
}

func (v *vault) isEscrow(a common.Address) bool {
	_, ok := v.escrow[a]
	return ok
}

func (v *vault) transfer(tx *Tx, from, to common.Address, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromBal := v.balances[from]
	newFrom, ok := safemath.Sub64(fromBal, amount)
	if !ok {
		return ErrInsufficientBalance
	}
	toBal := v.balances[to]
	newTo, ok := safemath.Add64(toBal, amount)
	if !ok {
		return ErrOverflow
	}

	if from == to {
		return nil
	}

	deposited, withdrawn := v.deposited, v.withdrawn
	switch {
	case !v.isEscrow(from) && v.isEscrow(to):
		v.deposited += amount
	case v.isEscrow(from) && !v.isEscrow(to):
		v.withdrawn += amount
	}
	v.balances[from] = newFrom
	v.balances[to] = newTo

	tx.Journal(func() {
		v.balances[from] = fromBal
		v.balances[to] = toBal
		v.deposited, v.withdrawn = deposited, withdrawn
	})
	return nil
}

// RegisterEscrow marks account as protocol-held.
func (l *Ledger) RegisterEscrow(account common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vault.escrow[account] = struct{}{}
}

// Mint credits new tokens to an account. The caller must hold RoleMinter.
func (l *Ledger) Mint(ctx context.Context, caller, to common.Address, amount uint64) error {
	return l.Execute(ctx, "mint", caller, func(tx *Tx) error {
		if err := tx.RequireRole(RoleMinter); err != nil {
			return err
		}
		if amount == 0 {
			return ErrZeroAmount
		}
		if to == (common.Address{}) {
			return ErrZeroAddress
		}
		v := l.vault
		prevBal, prevSupply := v.balances[to], v.supply
		bal, ok := safemath.Add64(prevBal, amount)
		if !ok {
			return ErrOverflow
		}
		supply, ok := safemath.Add64(prevSupply, amount)
		if !ok {
			return ErrOverflow
		}
		v.balances[to] = bal
		v.supply = supply
		tx.Journal(func() {
			v.balances[to] = prevBal
			v.supply = prevSupply
		})
		if v.isEscrow(to) {
			prev := v.deposited
			v.deposited += amount
			tx.Journal(func() { v.deposited = prev })
		}

		tx.Emit("TokensMinted", common.Hash{}, map[string]any{
			"to":     to.Hex(),
			"amount": amount,
		})
		return nil
	})
}

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(account common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vault.balances[account]
}

// EscrowFlows returns the total moved into and out of escrow accounts.
func (l *Ledger) EscrowFlows() (deposited, withdrawn uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vault.deposited, l.vault.withdrawn
}

// Supply returns the total minted supply.
func (l *Ledger) Supply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vault.supply
}
