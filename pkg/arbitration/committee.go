package arbitration

import (
	"github.com/ethereum/go-ethereum/common"
)

// eligiblePool drops every excluded account from the active set, keeping
// the registry's order.
func eligiblePool(active []common.Address, excluded map[common.Address]bool) []common.Address {
	pool := make([]common.Address, 0, len(active))
	for _, a := range active {
		if !excluded[a] {
			pool = append(pool, a)
		}
	}
	return pool
}

// SelectCommittee draws size members from pool without replacement. Draw i
// takes words[i] mod the remaining pool size and swap-removes the pick, so
// the same words and pool always give the same committee.
func SelectCommittee(pool []common.Address, words []uint64, size int) ([]common.Address, error) {
	if size <= 0 {
		return nil, ErrInvalidCommitteeSize
	}
	if len(words) < size {
		return nil, ErrInsufficientRandomness
	}
	if len(pool) < size {
		return nil, ErrInsufficientCandidates
	}

	remaining := make([]common.Address, len(pool))
	copy(remaining, pool)

	members := make([]common.Address, 0, size)
	for i := 0; i < size; i++ {
		n := uint64(len(remaining))
		idx := words[i] % n
		members = append(members, remaining[idx])
		remaining[idx] = remaining[n-1]
		remaining = remaining[:n-1]
	}
	return members, nil
}
