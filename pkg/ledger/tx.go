package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Tx is the handle a component receives while its operation runs.
type Tx struct {
	ctx     context.Context
	ledger  *Ledger
	op      string
	senders []common.Address
	now     time.Time
	undo    []func()
	events  []Event
}

// Context returns a context marked with the active transaction. Pass it to
// external collaborators so a callback into the ledger is rejected rather
// than observing half-applied state.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Op is the name of the running operation.
func (tx *Tx) Op() string {
	return tx.op
}

// Now is the timestamp of the operation. It is fixed for its whole run.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Caller is the account the current call frame executes as.
func (tx *Tx) Caller() common.Address {
	return tx.senders[len(tx.senders)-1]
}

// Origin is the account that submitted the operation.
func (tx *Tx) Origin() common.Address {
	return tx.senders[0]
}

// As runs fn with sender as the caller, the way one component calls into
// another under its own identity.
func (tx *Tx) As(sender common.Address, fn func() error) error {
	tx.senders = append(tx.senders, sender)
	defer func() { tx.senders = tx.senders[:len(tx.senders)-1] }()
	return fn()
}

// HasRole checks role against the ledger's role table.
func (tx *Tx) HasRole(role Role, account common.Address) bool {
	return tx.ledger.hasRole(role, account)
}

// RequireRole fails with ErrUnauthorized unless the caller holds role.
func (tx *Tx) RequireRole(role Role) error {
	if !tx.ledger.hasRole(role, tx.Caller()) {
		return ErrUnauthorized
	}
	return nil
}

// Journal registers an undo step that restores state mutated by the
// operation if it fails.
func (tx *Tx) Journal(undo func()) {
	tx.undo = append(tx.undo, undo)
}

// Emit buffers an event. Events reach sinks only if the operation commits.
func (tx *Tx) Emit(name string, claimID common.Hash, fields map[string]any) {
	tx.events = append(tx.events, Event{
		ID:      uuid.New(),
		Name:    name,
		Op:      tx.op,
		Caller:  tx.Caller(),
		ClaimID: claimID,
		Fields:  fields,
		Time:    tx.now,
	})
}

// Transfer moves amount between two accounts.
func (tx *Tx) Transfer(from, to common.Address, amount uint64) error {
	return tx.ledger.vault.transfer(tx, from, to, amount)
}

// BalanceOf reads a balance inside the operation.
func (tx *Tx) BalanceOf(account common.Address) uint64 {
	return tx.ledger.vault.balances[account]
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.events = nil
}

func (tx *Tx) seal() []Event {
	for i := range tx.events {
		tx.ledger.seq++
		tx.events[i].Seq = tx.ledger.seq
	}
	return tx.events
}
