package verification

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/registry"
)

var (
	ErrTaskExists          = ledger.NewError(ledger.KindReplay, "task already exists")
	ErrTaskNotFound        = ledger.NewError(ledger.KindState, "task not found")
	ErrInvalidClaim        = ledger.NewError(ledger.KindState, "claim id must be non-zero")
	ErrInvalidEvidence     = ledger.NewError(ledger.KindProof, "evidence reference is not a valid CID")
	ErrAttesterInactive    = ledger.NewError(ledger.KindAuthorization, "attester is not an active verifier")
	ErrNotVerifier         = ledger.NewError(ledger.KindAuthorization, "caller is not an active verifier")
	ErrAlreadyAttested     = ledger.NewError(ledger.KindReplay, "verifier already attested")
	ErrTaskNotPending      = ledger.NewError(ledger.KindState, "task is not pending")
	ErrTaskNotChallenged   = ledger.NewError(ledger.KindState, "task is not challenged")
	ErrChallengeWindowOver = ledger.NewError(ledger.KindState, "challenge window has closed")
	ErrChallengeWindowOpen = ledger.NewError(ledger.KindState, "challenge window still open")
	ErrSelfChallenge       = ledger.NewError(ledger.KindAuthorization, "attester cannot challenge own task")
	ErrNoArbiter           = ledger.NewError(ledger.KindState, "no arbiter configured")
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusChallenged Status = "CHALLENGED"
	StatusFinalized  Status = "FINALIZED"
	StatusOverturned Status = "OVERTURNED"
)

// Outcome is the verdict carried by a task.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
)

// TaskRequest is what the claim router submits.
type TaskRequest struct {
	SubjectID   common.Hash
	ClaimID     common.Hash
	EvidenceRef string
	Attester    common.Address
}

// Task is a claim under optimistic verification. The task id is the claim
// id.
type Task struct {
	ClaimID           common.Hash
	SubjectID         common.Hash
	EvidenceRef       string
	Attester          common.Address
	Status            Status
	OptimisticOutcome Outcome
	FinalOutcome      Outcome
	ChallengeDeadline time.Time
	Challenger        common.Address
	Approvals         uint64
	Rejections        uint64
	Attesters         []common.Address
	CreatedAt         time.Time
	ResolvedAt        time.Time

	attested map[common.Address]bool
}

// Config holds engine parameters.
type Config struct {
	Address         common.Address
	ChallengeWindow time.Duration
}

// Engine runs the optimistic verification state machine.
type Engine struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	signer   *Signer
	issuer   Issuer
	arbiter  Arbiter
	cfg      Config
	logger   *zap.Logger

	tasks map[common.Hash]*Task
}

// NewEngine creates a task engine. The arbiter is attached later with
// SetArbiter since it depends on the engine.
func NewEngine(l *ledger.Ledger, reg *registry.Registry, signer *Signer, issuer Issuer, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		ledger:   l,
		registry: reg,
		signer:   signer,
		issuer:   issuer,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "verification")),
		tasks:    make(map[common.Hash]*Task),
	}
}

// SetArbiter attaches the council that handles challenges.
func (e *Engine) SetArbiter(a Arbiter) {
	e.arbiter = a
}

// Address is the engine's account.
func (e *Engine) Address() common.Address {
	return e.cfg.Address
}

// StartTask opens a pending task with an approved optimistic outcome. The
// caller must hold RoleRouter.
func (e *Engine) StartTask(ctx context.Context, caller common.Address, req TaskRequest) (common.Hash, error) {
	err := e.ledger.Execute(ctx, "verification.start_task", caller, func(tx *ledger.Tx) error {
		if err := tx.RequireRole(ledger.RoleRouter); err != nil {
			return err
		}
		if req.ClaimID == (common.Hash{}) {
			return ErrInvalidClaim
		}
		if _, exists := e.tasks[req.ClaimID]; exists {
			return ErrTaskExists
		}
		evidence, err := cid.Decode(req.EvidenceRef)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
		}
		if !e.registry.IsActiveTx(tx, req.Attester) {
			return ErrAttesterInactive
		}

		task := &Task{
			ClaimID:           req.ClaimID,
			SubjectID:         req.SubjectID,
			EvidenceRef:       evidence.String(),
			Attester:          req.Attester,
			Status:            StatusPending,
			OptimisticOutcome: OutcomeApproved,
			ChallengeDeadline: tx.Now().Add(e.cfg.ChallengeWindow),
			Approvals:         1,
			Attesters:         []common.Address{req.Attester},
			CreatedAt:         tx.Now(),
			attested:          map[common.Address]bool{req.Attester: true},
		}
		e.tasks[req.ClaimID] = task
		tx.Journal(func() { delete(e.tasks, req.ClaimID) })

		tx.Emit("TaskStarted", req.ClaimID, map[string]any{
			"subject_id":         req.SubjectID.Hex(),
			"evidence":           task.EvidenceRef,
			"attester":           req.Attester.Hex(),
			"challenge_deadline": task.ChallengeDeadline,
		})
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return req.ClaimID, nil
}

// Attest records an active verifier's pre-dispute decision on a pending
// task. Attesters are excluded from any committee that later judges it.
func (e *Engine) Attest(ctx context.Context, caller common.Address, taskID common.Hash, approve bool) error {
	return e.ledger.Execute(ctx, "verification.attest", caller, func(tx *ledger.Tx) error {
		task, ok := e.tasks[taskID]
		if !ok {
			return ErrTaskNotFound
		}
		if task.Status != StatusPending {
			return ErrTaskNotPending
		}
		if tx.Now().After(task.ChallengeDeadline) {
			return ErrChallengeWindowOver
		}
		if !e.registry.IsActiveTx(tx, caller) {
			return ErrNotVerifier
		}
		if task.attested[caller] {
			return ErrAlreadyAttested
		}

		task.attested[caller] = true
		task.Attesters = append(task.Attesters, caller)
		if approve {
			task.Approvals++
		} else {
			task.Rejections++
		}
		tx.Journal(func() {
			delete(task.attested, caller)
			task.Attesters = task.Attesters[:len(task.Attesters)-1]
			if approve {
				task.Approvals--
			} else {
				task.Rejections--
			}
		})

		tx.Emit("TaskAttested", taskID, map[string]any{
			"verifier":   caller.Hex(),
			"approve":    approve,
			"approvals":  task.Approvals,
			"rejections": task.Rejections,
		})
		return nil
	})
}

// Challenge moves a pending task to arbitration. The engine signs an
// authorization naming the caller as challenger and the attester as
// defendant; the council collects the challenger's stake.
func (e *Engine) Challenge(ctx context.Context, caller common.Address, taskID common.Hash) error {
	return e.ledger.Execute(ctx, "verification.challenge", caller, func(tx *ledger.Tx) error {
		task, ok := e.tasks[taskID]
		if !ok {
			return ErrTaskNotFound
		}
		if task.Status != StatusPending {
			return ErrTaskNotPending
		}
		if tx.Now().After(task.ChallengeDeadline) {
			return ErrChallengeWindowOver
		}
		if caller == task.Attester {
			return ErrSelfChallenge
		}
		if e.arbiter == nil {
			return ErrNoArbiter
		}

		task.Status = StatusChallenged
		task.Challenger = caller
		tx.Journal(func() {
			task.Status = StatusPending
			task.Challenger = common.Address{}
		})

		auth, err := e.signer.SignDispute(taskID, task.Attester, caller, e.cfg.Address)
		if err != nil {
			return err
		}

		tx.Emit("TaskChallenged", taskID, map[string]any{
			"challenger": caller.Hex(),
			"defendant":  task.Attester.Hex(),
		})

		return e.arbiter.CreateDisputeTx(tx, taskID, task.Attester, auth)
	})
}

// Finalize closes an unchallenged task after its window and notifies the
// issuer. Anyone may call it.
func (e *Engine) Finalize(ctx context.Context, caller common.Address, taskID common.Hash) error {
	return e.ledger.Execute(ctx, "verification.finalize", caller, func(tx *ledger.Tx) error {
		task, ok := e.tasks[taskID]
		if !ok {
			return ErrTaskNotFound
		}
		if task.Status != StatusPending {
			return ErrTaskNotPending
		}
		if !tx.Now().After(task.ChallengeDeadline) {
			return ErrChallengeWindowOpen
		}

		e.settle(tx, task, StatusFinalized, task.OptimisticOutcome)

		tx.Emit("TaskFinalized", taskID, map[string]any{
			"outcome":    string(task.FinalOutcome),
			"arbitrated": false,
		})

		return e.issue(tx, task, Verdict{
			SubjectID:   task.SubjectID,
			ClaimID:     task.ClaimID,
			FinalizedAt: tx.Now(),
		})
	})
}

// ReceiveArbitrationResult applies the council's verdict. The caller must
// hold RoleCouncil.
func (e *Engine) ReceiveArbitrationResult(ctx context.Context, caller common.Address, taskID common.Hash, result ArbitrationResult) error {
	return e.ledger.Execute(ctx, "verification.receive_arbitration_result", caller, func(tx *ledger.Tx) error {
		return e.ReceiveArbitrationResultTx(tx, taskID, result)
	})
}

// ReceiveArbitrationResultTx applies a verdict inside a running operation.
// An approved verdict finalizes the task and notifies the issuer; a
// rejected one overturns it with no issuance.
func (e *Engine) ReceiveArbitrationResultTx(tx *ledger.Tx, taskID common.Hash, result ArbitrationResult) error {
	if err := tx.RequireRole(ledger.RoleCouncil); err != nil {
		return err
	}
	task, ok := e.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusChallenged {
		return ErrTaskNotChallenged
	}

	if !result.Approved {
		e.settle(tx, task, StatusOverturned, OutcomeRejected)
		tx.Emit("TaskOverturned", taskID, map[string]any{
			"score": result.Score,
		})
		return nil
	}

	e.settle(tx, task, StatusFinalized, OutcomeApproved)
	tx.Emit("TaskFinalized", taskID, map[string]any{
		"outcome":    string(task.FinalOutcome),
		"arbitrated": true,
		"score":      result.Score,
	})
	return e.issue(tx, task, Verdict{
		SubjectID:   task.SubjectID,
		ClaimID:     task.ClaimID,
		Arbitrated:  true,
		Score:       result.Score,
		MaxScore:    result.MaxScore,
		FinalizedAt: tx.Now(),
	})
}

// ParticipantsTx returns everyone who took part in the pre-dispute
// decision for a task.
func (e *Engine) ParticipantsTx(_ *ledger.Tx, taskID common.Hash) []common.Address {
	task, ok := e.tasks[taskID]
	if !ok {
		return nil
	}
	out := make([]common.Address, len(task.Attesters))
	copy(out, task.Attesters)
	return out
}

// Task returns a copy of a task.
func (e *Engine) Task(taskID common.Hash) (Task, bool) {
	var (
		out Task
		ok  bool
	)
	e.ledger.View(func() {
		var t *Task
		if t, ok = e.tasks[taskID]; ok {
			out = t.snapshot()
		}
	})
	return out, ok
}

// FinalizableTasks lists pending tasks whose challenge window closed
// before now, oldest deadline first.
func (e *Engine) FinalizableTasks(now time.Time) []common.Hash {
	type due struct {
		id       common.Hash
		deadline time.Time
	}
	var found []due
	e.ledger.View(func() {
		for id, t := range e.tasks {
			if t.Status == StatusPending && now.After(t.ChallengeDeadline) {
				found = append(found, due{id: id, deadline: t.ChallengeDeadline})
			}
		}
	})
	sort.Slice(found, func(i, j int) bool {
		if found[i].deadline.Equal(found[j].deadline) {
			return found[i].id.Hex() < found[j].id.Hex()
		}
		return found[i].deadline.Before(found[j].deadline)
	})
	out := make([]common.Hash, len(found))
	for i, d := range found {
		out[i] = d.id
	}
	return out
}

func (e *Engine) settle(tx *ledger.Tx, task *Task, status Status, outcome Outcome) {
	prevStatus, prevOutcome, prevResolved := task.Status, task.FinalOutcome, task.ResolvedAt
	task.Status = status
	task.FinalOutcome = outcome
	task.ResolvedAt = tx.Now()
	tx.Journal(func() {
		task.Status = prevStatus
		task.FinalOutcome = prevOutcome
		task.ResolvedAt = prevResolved
	})
}

// issue runs after every state change of the operation.
func (e *Engine) issue(tx *ledger.Tx, task *Task, verdict Verdict) error {
	if e.issuer == nil {
		return nil
	}
	if err := e.issuer.Fulfill(tx.Context(), verdict); err != nil {
		return fmt.Errorf("issuing credits for %s: %w", task.ClaimID.Hex(), err)
	}
	e.logger.Info("Claim issued",
		zap.String("claim_id", task.ClaimID.Hex()),
		zap.Bool("arbitrated", verdict.Arbitrated))
	return nil
}

func (t *Task) snapshot() Task {
	out := *t
	out.Attesters = make([]common.Address, len(t.Attesters))
	copy(out.Attesters, t.Attesters)
	out.attested = nil
	return out
}
