package reputation

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/safemath"
)

var ErrZeroPoints = ledger.NewError(ledger.KindResource, "zero reputation points")

// Book tracks integer reputation points per account. Points are granted by
// a reputation admin and removed when a verifier is slashed.
type Book struct {
	ledger *ledger.Ledger
	logger *zap.Logger
	scores map[common.Address]*Score
}

// Score is one account's reputation record.
type Score struct {
	Account    common.Address
	Points     uint64
	Granted    uint64
	Penalized  uint64
	UpdatedAt  time.Time
	LastAction Action
}

// Action records what last changed a score.
type Action string

const (
	ActionGrant   Action = "GRANT"
	ActionPenalty Action = "PENALTY"
)

// Stats summarises the book.
type Stats struct {
	Accounts     int
	TotalPoints  uint64
	AveragePoint uint64
}

// NewBook creates an empty reputation book.
func NewBook(l *ledger.Ledger, logger *zap.Logger) *Book {
	return &Book{
		ledger: l,
		logger: logger.With(zap.String("component", "reputation")),
		scores: make(map[common.Address]*Score),
	}
}

// Grant adds points to account. The caller must hold RoleReputationAdmin.
func (b *Book) Grant(ctx context.Context, caller, account common.Address, points uint64) error {
	return b.ledger.Execute(ctx, "reputation.grant", caller, func(tx *ledger.Tx) error {
		if err := tx.RequireRole(ledger.RoleReputationAdmin); err != nil {
			return err
		}
		if points == 0 {
			return ErrZeroPoints
		}
		return b.apply(tx, account, ActionGrant, points)
	})
}

// PenalizeTx removes up to points from account inside a running operation.
// The score saturates at zero. The current caller must hold
// RoleReputationAdmin.
func (b *Book) PenalizeTx(tx *ledger.Tx, account common.Address, points uint64) error {
	if err := tx.RequireRole(ledger.RoleReputationAdmin); err != nil {
		return err
	}
	if points == 0 {
		return nil
	}
	return b.apply(tx, account, ActionPenalty, points)
}

// ReputationOfTx reads a score inside a running operation.
func (b *Book) ReputationOfTx(_ *ledger.Tx, account common.Address) uint64 {
	if s, ok := b.scores[account]; ok {
		return s.Points
	}
	return 0
}

// ReputationOf returns the points held by account.
func (b *Book) ReputationOf(account common.Address) uint64 {
	var points uint64
	b.ledger.View(func() {
		if s, ok := b.scores[account]; ok {
			points = s.Points
		}
	})
	return points
}

// GetScore returns a copy of the full record for account.
func (b *Book) GetScore(account common.Address) (Score, bool) {
	var (
		out Score
		ok  bool
	)
	b.ledger.View(func() {
		var s *Score
		if s, ok = b.scores[account]; ok {
			out = *s
		}
	})
	return out, ok
}

// GetTopAccounts returns the n accounts with the most points.
func (b *Book) GetTopAccounts(n int) []Score {
	var scores []Score
	b.ledger.View(func() {
		scores = make([]Score, 0, len(b.scores))
		for _, s := range b.scores {
			scores = append(scores, *s)
		}
	})

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Points == scores[j].Points {
			return scores[i].Account.Hex() < scores[j].Account.Hex()
		}
		return scores[i].Points > scores[j].Points
	})

	if n > len(scores) {
		n = len(scores)
	}
	return scores[:n]
}

// GetStats returns aggregate statistics.
func (b *Book) GetStats() Stats {
	var st Stats
	b.ledger.View(func() {
		st.Accounts = len(b.scores)
		for _, s := range b.scores {
			st.TotalPoints += s.Points
		}
	})
	if st.Accounts > 0 {
		st.AveragePoint = st.TotalPoints / uint64(st.Accounts)
	}
	return st
}

func (b *Book) apply(tx *ledger.Tx, account common.Address, action Action, points uint64) error {
	score, exists := b.scores[account]
	if !exists {
		score = &Score{Account: account}
		b.scores[account] = score
	}
	prev := *score

	switch action {
	case ActionGrant:
		total, ok := safemath.Add64(score.Points, points)
		if !ok {
			return ledger.ErrOverflow
		}
		score.Points = total
		score.Granted += points
	case ActionPenalty:
		if points > score.Points {
			points = score.Points
		}
		score.Points -= points
		score.Penalized += points
	}
	score.UpdatedAt = tx.Now()
	score.LastAction = action

	tx.Journal(func() {
		if !exists {
			delete(b.scores, account)
			return
		}
		*score = prev
	})

	tx.Emit("ReputationChanged", common.Hash{}, map[string]any{
		"account": account.Hex(),
		"action":  string(action),
		"delta":   points,
		"points":  score.Points,
	})
	return nil
}
