package safemath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdd64(t *testing.T) {
	tests := []struct {
		name   string
		a, b   uint64
		want   uint64
		wantOk bool
	}{
		{"small", 2, 3, 5, true},
		{"max_plus_zero", math.MaxUint64, 0, math.MaxUint64, true},
		{"overflow", math.MaxUint64, 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Add64(tt.a, tt.b)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSub64(t *testing.T) {
	got, ok := Sub64(10, 4)
	assert.True(t, ok)
	assert.Equal(t, uint64(6), got)

	_, ok = Sub64(4, 10)
	assert.False(t, ok)
}

func TestMul64(t *testing.T) {
	got, ok := Mul64(1<<32, 1<<31)
	assert.True(t, ok)
	assert.Equal(t, uint64(1<<63), got)

	_, ok = Mul64(1<<32, 1<<32)
	assert.False(t, ok)
}

func TestMulDiv64(t *testing.T) {
	got, ok := MulDiv64(1000, 25, 100)
	assert.True(t, ok)
	assert.Equal(t, uint64(250), got)

	// intermediate product exceeds 64 bits but the quotient fits
	got, ok = MulDiv64(math.MaxUint64, 50, 100)
	assert.True(t, ok)
	assert.Equal(t, uint64(math.MaxUint64/2), got)

	_, ok = MulDiv64(1, 1, 0)
	assert.False(t, ok)

	_, ok = MulDiv64(math.MaxUint64, 2, 1)
	assert.False(t, ok)
}

func TestSum64(t *testing.T) {
	got, ok := Sum64(70, 85, 95)
	assert.True(t, ok)
	assert.Equal(t, uint64(250), got)

	_, ok = Sum64(math.MaxUint64, 1)
	assert.False(t, ok)
}
