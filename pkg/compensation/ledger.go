package compensation

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/safemath"
)

var (
	ErrRootAlreadySet    = ledger.NewError(ledger.KindReplay, "compensation root already set")
	ErrInvalidRoot       = ledger.NewError(ledger.KindState, "compensation root must be non-zero")
	ErrNoRoot            = ledger.NewError(ledger.KindState, "no compensation root for claim")
	ErrAlreadyClaimed    = ledger.NewError(ledger.KindReplay, "compensation already claimed")
	ErrInvalidProof      = ledger.NewError(ledger.KindProof, "invalid membership proof")
	ErrInsufficientFunds = ledger.NewError(ledger.KindResource, "compensation pool exhausted")
)

// Pool is the committed compensation set for one fraudulent claim.
type Pool struct {
	ClaimID common.Hash
	Root    common.Hash
	Total   uint64
	Paid    uint64
	Claims  int
	SetAt   time.Time

	claimed map[common.Address]bool
}

// Ledger pays victims of confirmed fraud against a committed merkle root.
// Claims are pulled by victims; nothing enumerates the victim set.
type Ledger struct {
	ledger  *ledger.Ledger
	address common.Address
	logger  *zap.Logger

	pools map[common.Hash]*Pool
}

// New creates a compensation ledger holding funds at address.
func New(l *ledger.Ledger, address common.Address, logger *zap.Logger) *Ledger {
	l.RegisterEscrow(address)
	return &Ledger{
		ledger:  l,
		address: address,
		logger:  logger.With(zap.String("component", "compensation")),
		pools:   make(map[common.Hash]*Pool),
	}
}

// Address is the account holding pool funds.
func (c *Ledger) Address() common.Address {
	return c.address
}

// SetRootTx commits the root for a claim once. The funds backing total must
// already sit at Address. The caller must hold RoleCouncil.
func (c *Ledger) SetRootTx(tx *ledger.Tx, claimID, root common.Hash, total uint64) error {
	if err := tx.RequireRole(ledger.RoleCouncil); err != nil {
		return err
	}
	if root == (common.Hash{}) {
		return ErrInvalidRoot
	}
	if _, exists := c.pools[claimID]; exists {
		return ErrRootAlreadySet
	}

	c.pools[claimID] = &Pool{
		ClaimID: claimID,
		Root:    root,
		Total:   total,
		SetAt:   tx.Now(),
		claimed: make(map[common.Address]bool),
	}
	tx.Journal(func() { delete(c.pools, claimID) })

	tx.Emit("CompensationRootSet", claimID, map[string]any{
		"root":  root.Hex(),
		"total": total,
	})
	return nil
}

// Claim pays amount to victim if (victim, amount) is proven against the
// claim's root. Each victim claims once per claim.
func (c *Ledger) Claim(ctx context.Context, caller common.Address, claimID common.Hash, victim common.Address, amount uint64, proof []common.Hash) error {
	return c.ledger.Execute(ctx, "compensation.claim", caller, func(tx *ledger.Tx) error {
		pool, ok := c.pools[claimID]
		if !ok {
			return ErrNoRoot
		}
		if pool.claimed[victim] {
			return ErrAlreadyClaimed
		}
		if !Verify(pool.Root, victim, amount, proof) {
			return ErrInvalidProof
		}
		paid, ok := safemath.Add64(pool.Paid, amount)
		if !ok || paid > pool.Total {
			return ErrInsufficientFunds
		}

		// mark before paying out
		prevPaid := pool.Paid
		pool.claimed[victim] = true
		pool.Paid = paid
		pool.Claims++
		tx.Journal(func() {
			delete(pool.claimed, victim)
			pool.Paid = prevPaid
			pool.Claims--
		})

		if amount > 0 {
			if err := tx.Transfer(c.address, victim, amount); err != nil {
				return err
			}
		}

		tx.Emit("CompensationClaimed", claimID, map[string]any{
			"victim": victim.Hex(),
			"amount": amount,
		})
		return nil
	})
}

// Root returns the committed root for a claim.
func (c *Ledger) Root(claimID common.Hash) (common.Hash, bool) {
	var (
		root common.Hash
		ok   bool
	)
	c.ledger.View(func() {
		var p *Pool
		if p, ok = c.pools[claimID]; ok {
			root = p.Root
		}
	})
	return root, ok
}

// Claimed reports whether victim has claimed against claimID.
func (c *Ledger) Claimed(claimID common.Hash, victim common.Address) bool {
	var claimed bool
	c.ledger.View(func() {
		if p, ok := c.pools[claimID]; ok {
			claimed = p.claimed[victim]
		}
	})
	return claimed
}

// Pool returns a copy of the pool for a claim.
func (c *Ledger) Pool(claimID common.Hash) (Pool, bool) {
	var (
		out Pool
		ok  bool
	)
	c.ledger.View(func() {
		var p *Pool
		if p, ok = c.pools[claimID]; ok {
			out = *p
			out.claimed = nil
		}
	})
	return out, ok
}

// Pools lists every committed pool ordered by commit time.
func (c *Ledger) Pools() []Pool {
	var out []Pool
	c.ledger.View(func() {
		for _, p := range c.pools {
			cp := *p
			cp.claimed = nil
			out = append(out, cp)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SetAt.Equal(out[j].SetAt) {
			return out[i].ClaimID.Hex() < out[j].ClaimID.Hex()
		}
		return out[i].SetAt.Before(out[j].SetAt)
	})
	return out
}
