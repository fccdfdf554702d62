package arbitration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanScore(t *testing.T) {
	tests := []struct {
		name   string
		scores []uint64
		want   uint64
	}{
		{"none", nil, 0},
		{"single", []uint64{42}, 42},
		{"floored", []uint64{70, 85, 95}, 83},
		{"exact", []uint64{10, 20, 30}, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MeanScore(tt.scores)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := MeanScore([]uint64{math.MaxUint64, 1})
	assert.ErrorIs(t, err, ErrScoreOverflow)
}

func TestComputeSettlement(t *testing.T) {
	p := defaultPolicy()

	tests := []struct {
		name       string
		scores     []uint64
		defendant  uint64
		challenger uint64
		want       Settlement
		wantErr    error
	}{
		{
			name:   "upheld",
			scores: []uint64{70, 85, 95}, defendant: 1000, challenger: 500,
			want: Settlement{Mean: 83, Voters: 3, KeeperBounty: 10, DefendantAward: 490},
		},
		{
			name:   "threshold is not fraud",
			scores: []uint64{50}, defendant: 1000, challenger: 500,
			want: Settlement{Mean: 50, Voters: 1, KeeperBounty: 10, DefendantAward: 490},
		},
		{
			name:   "no voters upholds",
			scores: nil, defendant: 1000, challenger: 500,
			want: Settlement{KeeperBounty: 10, DefendantAward: 490},
		},
		{
			name:   "fraud",
			scores: []uint64{10, 20, 30}, defendant: 1000, challenger: 500,
			want: Settlement{
				Fraud: true, Mean: 20, Voters: 3, Slashed: 1000,
				KeeperBounty: 10, ChallengerReward: 200, ChallengerRefund: 500,
			},
		},
		{
			name:   "fraud with nothing to slash",
			scores: []uint64{0}, defendant: 0, challenger: 500,
			want: Settlement{Fraud: true, Voters: 1, KeeperBounty: 10, ChallengerRefund: 490},
		},
		{
			name:   "bounty exceeds challenger stake",
			scores: []uint64{90}, defendant: 1000, challenger: 5,
			wantErr: ErrInsufficientFunds,
		},
		{
			name:   "payout exceeds slash",
			scores: []uint64{0}, defendant: 5, challenger: 500,
			wantErr: ErrInsufficientFunds,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeSettlement(p, tt.scores, tt.defendant, tt.challenger)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeSettlement_PayoutConservesSlash(t *testing.T) {
	p := defaultPolicy()
	for stake := uint64(13); stake < 5000; stake += 97 {
		s, err := ComputeSettlement(p, []uint64{1}, stake, 500)
		require.NoError(t, err)
		assert.LessOrEqual(t, s.KeeperBounty+s.ChallengerReward, s.Slashed)
	}
}
