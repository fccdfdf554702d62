package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"impact_verifier/pkg/data"
)

const envelopeVersion = "1.0"

var (
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrInvalidSignature = errors.New("invalid envelope signature")
	ErrSenderMismatch   = errors.New("envelope sender does not match publisher")
)

// Envelope carries one committed event between nodes.
type Envelope struct {
	Version   string            `json:"version"`
	SenderID  string            `json:"sender_id"`
	Timestamp time.Time         `json:"timestamp"`
	Record    *data.EventRecord `json:"record"`
	Signature []byte            `json:"signature,omitempty"`
}

// NewEnvelope wraps a record for publishing by sender.
func NewEnvelope(sender peer.ID, rec *data.EventRecord, now time.Time) *Envelope {
	return &Envelope{
		Version:   envelopeVersion,
		SenderID:  sender.String(),
		Timestamp: now.UTC(),
		Record:    rec,
	}
}

// Marshal serializes the envelope including its signature.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// MarshalWithoutSignature returns the bytes covered by the signature.
func (e *Envelope) MarshalWithoutSignature() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	return json.Marshal(&unsigned)
}

// UnmarshalEnvelope decodes and structurally validates an envelope.
func UnmarshalEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if e.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidEnvelope, e.Version)
	}
	if e.Record == nil {
		return nil, fmt.Errorf("%w: missing record", ErrInvalidEnvelope)
	}
	if err := e.Record.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &e, nil
}

// Sign signs the envelope with the node key.
func (e *Envelope) Sign(key crypto.PrivKey) error {
	payload, err := e.MarshalWithoutSignature()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	sig, err := key.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign envelope: %w", err)
	}
	e.Signature = sig
	return nil
}

// Verify checks the signature against the key embedded in SenderID and
// the record's content hash.
func (e *Envelope) Verify() error {
	if len(e.Signature) == 0 {
		return ErrInvalidSignature
	}
	sender, err := peer.Decode(e.SenderID)
	if err != nil {
		return fmt.Errorf("%w: bad sender id: %v", ErrInvalidEnvelope, err)
	}
	pub, err := sender.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	payload, err := e.MarshalWithoutSignature()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	ok, err := pub.Verify(payload, e.Signature)
	if err != nil || !ok {
		return ErrInvalidSignature
	}
	return e.Record.VerifyHash()
}
