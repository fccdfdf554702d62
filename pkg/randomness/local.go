package randomness

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"impact_verifier/pkg/ledger"
)

// Request is a randomness request awaiting fulfilment.
type Request struct {
	ID          common.Hash
	Requester   common.Address
	Count       int
	RequestedAt time.Time
	Attempts    int
}

// LocalOracle is an in-process oracle. Words are expanded from a fixed seed
// and the request id with HKDF, so any delivery can be recomputed and
// checked after the fact.
type LocalOracle struct {
	ledger  *ledger.Ledger
	address common.Address
	seed    []byte
	delay   time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	consumer Consumer
	nonce    uint64
	pending  map[common.Hash]*Request
}

// NewLocalOracle creates an oracle acting as address. Requests become due
// for fulfilment once delay has passed.
func NewLocalOracle(l *ledger.Ledger, address common.Address, seed []byte, delay time.Duration, logger *zap.Logger) *LocalOracle {
	return &LocalOracle{
		ledger:  l,
		address: address,
		seed:    seed,
		delay:   delay,
		logger:  logger.With(zap.String("component", "randomness")),
		pending: make(map[common.Hash]*Request),
	}
}

// Address is the account the oracle delivers from.
func (o *LocalOracle) Address() common.Address {
	return o.address
}

// SetConsumer registers the component that receives deliveries.
func (o *LocalOracle) SetConsumer(c Consumer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consumer = c
}

// RequestRandomnessTx records a request for count words and returns its id.
// The request is dropped if the surrounding operation rolls back.
func (o *LocalOracle) RequestRandomnessTx(tx *ledger.Tx, count int) (common.Hash, error) {
	if count <= 0 {
		return common.Hash{}, ErrInvalidCount
	}

	o.mu.Lock()
	o.nonce++
	nonce := o.nonce
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	id := crypto.Keccak256Hash(o.address.Bytes(), tx.Caller().Bytes(), buf[:])
	o.pending[id] = &Request{
		ID:          id,
		Requester:   tx.Caller(),
		Count:       count,
		RequestedAt: tx.Now(),
	}
	o.mu.Unlock()

	tx.Journal(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.pending, id)
		o.nonce = nonce - 1
	})

	tx.Emit("RandomnessRequested", common.Hash{}, map[string]any{
		"request_id": id.Hex(),
		"requester":  tx.Caller().Hex(),
		"count":      count,
	})
	return id, nil
}

// Words derives count words for a request id.
func (o *LocalOracle) Words(requestID common.Hash, count int) ([]uint64, error) {
	r := hkdf.New(sha256.New, o.seed, requestID.Bytes(), []byte("committee-selection"))
	buf := make([]byte, 8*count)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("expanding randomness: %w", err)
	}
	words := make([]uint64, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return words, nil
}

// Fulfill delivers the words for one pending request. A request whose
// delivery fails stays pending and can be delivered again.
func (o *LocalOracle) Fulfill(ctx context.Context, requestID common.Hash) error {
	o.mu.Lock()
	req, ok := o.pending[requestID]
	consumer := o.consumer
	if ok {
		req.Attempts++
	}
	o.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}
	if consumer == nil {
		return ErrNoConsumer
	}

	words, err := o.Words(requestID, req.Count)
	if err != nil {
		return err
	}

	if err := consumer.OnRandomnessReady(ctx, o.address, requestID, words); err != nil {
		o.logger.Warn("Randomness delivery failed",
			zap.String("request_id", requestID.Hex()),
			zap.Int("attempts", req.Attempts),
			zap.Error(err))
		return err
	}

	o.mu.Lock()
	delete(o.pending, requestID)
	o.mu.Unlock()

	o.logger.Info("Randomness delivered",
		zap.String("request_id", requestID.Hex()),
		zap.Int("words", len(words)))
	return nil
}

// FulfillDue delivers every request older than the configured delay and
// returns how many succeeded.
func (o *LocalOracle) FulfillDue(ctx context.Context) (int, error) {
	now := o.ledger.Now()
	var errs []error
	delivered := 0
	for _, req := range o.Pending() {
		if now.Sub(req.RequestedAt) < o.delay {
			continue
		}
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := o.Fulfill(ctx, req.ID); err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", req.ID.Hex(), err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Pending lists outstanding requests, oldest first.
func (o *LocalOracle) Pending() []Request {
	o.mu.Lock()
	out := make([]Request, 0, len(o.pending))
	for _, r := range o.pending {
		out = append(out, *r)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID.Hex() < out[j].ID.Hex()
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}
