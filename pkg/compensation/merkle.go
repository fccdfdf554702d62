package compensation

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"impact_verifier/pkg/safemath"
)

var (
	ErrEmptyTree      = errors.New("no compensation entries")
	ErrDuplicateEntry = errors.New("duplicate victim in compensation entries")
	ErrUnknownVictim  = errors.New("victim not in tree")
)

// Entry is one victim's entitlement.
type Entry struct {
	Victim common.Address `json:"victim"`
	Amount uint64         `json:"amount"`
}

// LeafHash is the double keccak of the ABI-style encoding of an entry, so
// a leaf can never be mistaken for an interior node.
func LeafHash(victim common.Address, amount uint64) common.Hash {
	inner := crypto.Keccak256(
		common.LeftPadBytes(victim.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(amount).Bytes(), 32),
	)
	return crypto.Keccak256Hash(inner)
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
}

// Verify folds proof over leaf with sorted-pair hashing and compares the
// result with root.
func Verify(root common.Hash, victim common.Address, amount uint64, proof []common.Hash) bool {
	h := LeafHash(victim, amount)
	for _, p := range proof {
		h = hashPair(h, p)
	}
	return h == root
}

// Tree is a merkle tree over compensation entries. An unpaired node at the
// end of a layer is carried up unchanged.
type Tree struct {
	entries []Entry
	index   map[common.Address]int
	layers  [][]common.Hash
}

// BuildTree hashes entries into a tree. Entries keep their order; each
// victim may appear once.
func BuildTree(entries []Entry) (*Tree, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTree
	}

	t := &Tree{
		entries: make([]Entry, len(entries)),
		index:   make(map[common.Address]int, len(entries)),
	}
	copy(t.entries, entries)

	leaves := make([]common.Hash, len(entries))
	for i, e := range entries {
		if _, dup := t.index[e.Victim]; dup {
			return nil, ErrDuplicateEntry
		}
		t.index[e.Victim] = i
		leaves[i] = LeafHash(e.Victim, e.Amount)
	}

	t.layers = append(t.layers, leaves)
	for layer := leaves; len(layer) > 1; {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, hashPair(layer[i], layer[i+1]))
		}
		t.layers = append(t.layers, next)
		layer = next
	}
	return t, nil
}

// Root is the digest committed on chain.
func (t *Tree) Root() common.Hash {
	return t.layers[len(t.layers)-1][0]
}

// Entries returns the entries in tree order.
func (t *Tree) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Total sums every entry.
func (t *Tree) Total() (uint64, bool) {
	amounts := make([]uint64, len(t.entries))
	for i, e := range t.entries {
		amounts[i] = e.Amount
	}
	return safemath.Sum64(amounts...)
}

// Proof returns the sibling path for victim.
func (t *Tree) Proof(victim common.Address) ([]common.Hash, error) {
	i, ok := t.index[victim]
	if !ok {
		return nil, ErrUnknownVictim
	}

	var proof []common.Hash
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := i ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		i /= 2
	}
	return proof, nil
}
