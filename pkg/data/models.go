package data

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"impact_verifier/pkg/ledger"
)

var (
	ErrInvalidID       = errors.New("invalid identifier")
	ErrInvalidName     = errors.New("event name cannot be empty")
	ErrInvalidTime     = errors.New("invalid timestamp")
	ErrInvalidSequence = errors.New("sequence must be positive")
	ErrHashMismatch    = errors.New("event hash does not match contents")
)

// EventRecord is a committed protocol event as stored in the audit trail.
type EventRecord struct {
	ID         string         `json:"id"`
	Seq        uint64         `json:"seq"`
	Name       string         `json:"name"`
	Op         string         `json:"op"`
	Caller     string         `json:"caller"`
	ClaimID    string         `json:"claim_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Hash       string         `json:"hash"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewEventRecord converts a committed ledger event.
func NewEventRecord(e ledger.Event) (*EventRecord, error) {
	fields, err := normalizeFields(e.Fields)
	if err != nil {
		return nil, err
	}

	rec := &EventRecord{
		ID:         e.ID.String(),
		Seq:        e.Seq,
		Name:       e.Name,
		Op:         e.Op,
		Caller:     e.Caller.Hex(),
		Fields:     fields,
		OccurredAt: e.Time.UTC().Truncate(time.Microsecond),
		CreatedAt:  time.Now().UTC(),
	}
	if e.ClaimID != (common.Hash{}) {
		rec.ClaimID = e.ClaimID.Hex()
	}
	if err := rec.UpdateHash(); err != nil {
		return nil, err
	}
	return rec, rec.Validate()
}

// normalizeFields round-trips fields through JSON so the in-memory record
// holds exactly what the database will return.
func normalizeFields(fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding event fields: %w", err)
	}
	out := make(map[string]any, len(fields))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding event fields: %w", err)
	}
	return out, nil
}

// Validate checks if the record is complete
func (r *EventRecord) Validate() error {
	if r.ID == "" {
		return ErrInvalidID
	}
	if r.Seq == 0 {
		return ErrInvalidSequence
	}
	if r.Name == "" {
		return ErrInvalidName
	}
	if r.OccurredAt.IsZero() {
		return ErrInvalidTime
	}
	if !common.IsHexAddress(r.Caller) {
		return fmt.Errorf("caller %q is not an address", r.Caller)
	}
	return nil
}

// UpdateHash computes the content hash of the record.
func (r *EventRecord) UpdateHash() error {
	h, err := r.computeHash()
	if err != nil {
		return err
	}
	r.Hash = h
	return nil
}

// VerifyHash reports whether the stored hash still matches the contents.
func (r *EventRecord) VerifyHash() error {
	h, err := r.computeHash()
	if err != nil {
		return err
	}
	if h != r.Hash {
		return ErrHashMismatch
	}
	return nil
}

func (r *EventRecord) computeHash() (string, error) {
	// encoding/json sorts map keys, so the encoding is stable
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return "", fmt.Errorf("encoding event fields: %w", err)
	}
	hasher := sha256.New()
	hasher.Write([]byte(r.ID))
	hasher.Write([]byte(fmt.Sprintf("%d", r.Seq)))
	hasher.Write([]byte(r.Name))
	hasher.Write([]byte(r.Op))
	hasher.Write([]byte(r.Caller))
	hasher.Write([]byte(r.ClaimID))
	hasher.Write(fields)
	hasher.Write([]byte(r.OccurredAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
