package verification

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DisputeDigest is the message the engine signs to let challenger open a
// dispute against defendant for claimID. chainID and engine bind the
// signature to one deployment.
func DisputeDigest(claimID common.Hash, defendant, challenger common.Address, chainID uint64, engine common.Address) common.Hash {
	var chain [32]byte
	binary.BigEndian.PutUint64(chain[24:], chainID)
	return crypto.Keccak256Hash(
		[]byte("dispute"),
		claimID.Bytes(),
		defendant.Bytes(),
		challenger.Bytes(),
		chain[:],
		engine.Bytes(),
	)
}

// Signer produces dispute authorizations with the engine's secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID uint64
}

// NewSigner parses a hex private key. An empty key generates a fresh one,
// which is only useful for local runs.
func NewSigner(keyHex string, chainID uint64) (*Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if keyHex == "" {
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.HexToECDSA(trimHexPrefix(keyHex))
	}
	if err != nil {
		return nil, fmt.Errorf("loading signer key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// Address is the account that authorizations recover to.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID is the chain the signer binds authorizations to.
func (s *Signer) ChainID() uint64 {
	return s.chainID
}

// SignDispute signs the EIP-191 text hash of the dispute digest. The
// recovery id is returned as 27 or 28.
func (s *Signer) SignDispute(claimID common.Hash, defendant, challenger, engine common.Address) ([]byte, error) {
	digest := DisputeDigest(claimID, defendant, challenger, s.chainID, engine)
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), s.key)
	if err != nil {
		return nil, fmt.Errorf("signing dispute authorization: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverDisputeSigner returns the address that signed a dispute
// authorization.
func RecoverDisputeSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: %d, expected %d", len(signature), crypto.SignatureLength)
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	v := sig[crypto.RecoveryIDOffset]
	if v != 27 && v != 28 {
		return common.Address{}, fmt.Errorf("invalid recovery id: got %d, expected 27 or 28", v)
	}
	sig[crypto.RecoveryIDOffset] -= 27

	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
