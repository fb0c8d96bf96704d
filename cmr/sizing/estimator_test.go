package sizing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
)

// hugeArray reports an array too large to be represented
type hugeArray struct{}

func (hugeArray) ObjectSize(e Estimator) uint64 {
	return e.ArraySize(math.MaxUint64/2, 8)
}

type fixedSize uint64

func (f fixedSize) ObjectSize(Estimator) uint64 { return uint64(f) }

func mustEstimator(t *testing.T, name string, width int) Estimator {
	t.Helper()
	p, err := ProfileByName(name, width)
	require.NoError(t, err)
	est, err := NewEstimator(p)
	require.NoError(t, err)
	return est
}

func TestEstimator(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"StringSizes", testStringSizes},
		{"EmptyStringIsFree", testEmptyString},
		{"ProfilesDiffer", testProfilesDiffer},
		{"Deterministic", testDeterministic},
		{"Overflow", testOverflow},
		{"CollectionCapacityFloor", testCollectionFloor},
		{"MapGrowth", testMapGrowth},
		{"Alignment", testAlignment},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testStringSizes(t *testing.T) {
	std64 := mustEstimator(t, ProfileStandard, 64)
	std32 := mustEstimator(t, ProfileStandard, 32)
	alt64 := mustEstimator(t, ProfileAlternate, 64)

	assert.Equal(t, uint64(72), std64.StringSize("abc"))
	assert.Equal(t, uint64(48), std32.StringSize("abc"))
	assert.Equal(t, uint64(88), alt64.StringSize("abc"))

	// one supplementary character takes two UTF-16 units
	assert.Equal(t, std64.StringSize("ab"), std64.StringSize("\U0001F600"))
}

func testEmptyString(t *testing.T) {
	for _, name := range []string{ProfileStandard, ProfileAlternate} {
		for _, width := range []int{32, 64} {
			assert.Zero(t, mustEstimator(t, name, width).StringSize(""), "%s/%d", name, width)
		}
	}
}

func testProfilesDiffer(t *testing.T) {
	std := mustEstimator(t, ProfileStandard, 64)
	alt := mustEstimator(t, ProfileAlternate, 64)

	assert.NotEqual(t, std.MapOverhead(100), alt.MapOverhead(100))
	assert.NotEqual(t, std.Object(0), alt.Object(0))
	assert.Equal(t, uint64(24), alt.Object(0))
	assert.Equal(t, uint64(16), std.Object(0))
}

func testDeterministic(t *testing.T) {
	est := mustEstimator(t, ProfileStandard, 64)
	first, err := est.Estimate(fixedSize(est.StringSize("SELECT * FROM orders")))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := est.Estimate(fixedSize(est.StringSize("SELECT * FROM orders")))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	zero, err := est.Estimate(nil)
	require.NoError(t, err)
	assert.Zero(t, zero)
}

func testOverflow(t *testing.T) {
	est := mustEstimator(t, ProfileStandard, 64)

	_, err := est.Estimate(hugeArray{})
	assert.ErrorIs(t, err, common.ErrSizeOverflow)

	_, err = est.Estimate(fixedSize(MaxEstimate + 1))
	assert.ErrorIs(t, err, common.ErrSizeOverflow)

	size, err := est.Estimate(fixedSize(MaxEstimate))
	require.NoError(t, err)
	assert.Equal(t, MaxEstimate, size)

	assert.Equal(t, uint64(math.MaxUint64), Add(math.MaxUint64-1, 2))
	assert.Equal(t, uint64(math.MaxUint64), Mul(math.MaxUint64/2, 3))
	assert.Equal(t, uint64(12), Mul(3, 4))
}

func testCollectionFloor(t *testing.T) {
	est := mustEstimator(t, ProfileStandard, 64)
	assert.Equal(t, uint64(136), est.CollectionOverhead(0))
	assert.Equal(t, est.CollectionOverhead(0), est.CollectionOverhead(10))
	assert.Greater(t, est.CollectionOverhead(11), est.CollectionOverhead(10))
}

func testMapGrowth(t *testing.T) {
	for _, name := range []string{ProfileStandard, ProfileAlternate} {
		est := mustEstimator(t, name, 64)
		assert.LessOrEqual(t, est.MapOverhead(0), est.MapOverhead(1), name)
		assert.Less(t, est.MapOverhead(1), est.MapOverhead(1000), name)
	}

	// entry objects make every extra entry cost memory
	std := mustEstimator(t, ProfileStandard, 64)
	assert.Less(t, std.MapOverhead(1), std.MapOverhead(2))
}

func testAlignment(t *testing.T) {
	est := mustEstimator(t, ProfileStandard, 64)
	assert.Equal(t, uint64(8), est.Align(1))
	assert.Equal(t, uint64(16), est.Align(16))
	assert.Equal(t, uint64(24), est.PrimitiveSizes(1, 0, 3, 0, 0))
	assert.Equal(t, uint64(8), est.PrimitiveSizes(0, 1, 0, 0, 0))

	alt := mustEstimator(t, ProfileAlternate, 32)
	assert.Equal(t, uint64(16), alt.Object(0), "alternate objects are never smaller than 16 bytes")
}

func TestProfiles(t *testing.T) {
	t.Run("unknown width", func(t *testing.T) {
		_, err := StandardProfile(48)
		assert.ErrorIs(t, err, common.ErrInvalidProfile)
		_, err = AlternateProfile(16)
		assert.ErrorIs(t, err, common.ErrInvalidProfile)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := ProfileByName("compressed", 64)
		assert.ErrorIs(t, err, common.ErrInvalidProfile)
	})

	t.Run("empty name selects standard", func(t *testing.T) {
		p, err := ProfileByName("", 64)
		require.NoError(t, err)
		assert.Equal(t, ProfileStandard, p.Name)
		assert.Equal(t, EntryObjects, p.Collections)
	})

	t.Run("validate", func(t *testing.T) {
		p, err := StandardProfile(64)
		require.NoError(t, err)
		p.Alignment = 12
		_, err = NewEstimator(p)
		assert.ErrorIs(t, err, common.ErrInvalidProfile)
		assert.Equal(t, "packed-buckets", PackedBuckets.String())
	})
}
