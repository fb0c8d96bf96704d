package sizing

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
)

// MaxEstimate is the largest size a single record may report
const MaxEstimate uint64 = math.MaxInt64

// Saturated is reported by sizing helpers when a sum or product would wrap.
// Estimate maps it to common.ErrSizeOverflow.
const Saturated uint64 = math.MaxUint64

// Field widths of primitive members
const (
	booleanSize = 1
	charSize    = 2
	intSize     = 4
	longSize    = 8
	doubleSize  = 8
)

// Sized is implemented by records that can describe their own memory layout
// in terms of the estimator's helpers.
type Sized interface {
	ObjectSize(e Estimator) uint64
}

// Estimator computes approximate in-memory footprints for one Profile.
// It holds no mutable state and is safe to copy and share.
type Estimator struct {
	profile Profile
}

// NewEstimator validates the profile and returns an estimator for it
func NewEstimator(p Profile) (Estimator, error) {
	if err := p.Validate(); err != nil {
		return Estimator{}, err
	}
	return Estimator{profile: p}, nil
}

// Profile returns the memory model used by this estimator
func (e Estimator) Profile() Profile {
	return e.profile
}

// Estimate returns the footprint of v. A nil v contributes nothing.
func (e Estimator) Estimate(v Sized) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	size := v.ObjectSize(e)
	if size == Saturated || size > MaxEstimate {
		return 0, fmt.Errorf("%w: profile %s", common.ErrSizeOverflow, e.profile.Name)
	}
	return size, nil
}

// Add sums sizes, saturating instead of wrapping
func Add(sizes ...uint64) uint64 {
	var total uint64
	for _, s := range sizes {
		sum, carry := bits.Add64(total, s, 0)
		if carry != 0 {
			return Saturated
		}
		total = sum
	}
	return total
}

// Mul multiplies two sizes, saturating instead of wrapping
func Mul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return Saturated
	}
	return lo
}

// Align rounds n up to the profile's alignment unit
func (e Estimator) Align(n uint64) uint64 {
	if n == Saturated {
		return Saturated
	}
	a := e.profile.Alignment
	rem := n & (a - 1)
	if rem == 0 {
		return n
	}
	return Add(n, a-rem)
}

// PrimitiveSizes returns the aligned width of an object's member fields
func (e Estimator) PrimitiveSizes(refs, bools, ints, longs, doubles int) uint64 {
	raw := Add(
		Mul(count(refs), e.profile.ReferenceSize),
		Mul(count(bools), booleanSize),
		Mul(count(ints), intSize),
		Mul(count(longs), longSize),
		Mul(count(doubles), doubleSize),
	)
	return e.Align(raw)
}

// Object returns the size of one object with the given member bytes
func (e Estimator) Object(fieldBytes uint64) uint64 {
	return e.floor(Add(e.profile.ObjectHeaderSize, fieldBytes))
}

// ArraySize returns the size of an array with length elements of elemSize bytes
func (e Estimator) ArraySize(length, elemSize uint64) uint64 {
	return e.floor(Add(e.profile.ArrayHeaderSize, Mul(length, elemSize)))
}

// StringSize returns the size of a string object plus its UTF-16 backing array.
// The empty string contributes nothing: the owner already counts its reference.
func (e Estimator) StringSize(s string) uint64 {
	if len(s) == 0 {
		return 0
	}
	var units uint64
	for _, r := range s {
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
	}
	return Add(
		e.Object(e.PrimitiveSizes(1, 0, 3, 0, 0)),
		e.ArraySize(units, charSize),
	)
}

// CollectionOverhead returns the size of a list container holding length
// references, without the referenced elements.
func (e Estimator) CollectionOverhead(length int) uint64 {
	capacity := count(length)
	if capacity < 10 {
		capacity = 10
	}
	return Add(
		e.Object(e.PrimitiveSizes(1, 0, 2, 0, 0)),
		e.ArraySize(capacity, e.profile.ReferenceSize),
	)
}

// MapOverhead returns the size of a hash map container with length entries,
// without the keys and values themselves.
func (e Estimator) MapOverhead(length int) uint64 {
	n := count(length)
	buckets := tableCapacity(n)
	switch e.profile.Collections {
	case PackedBuckets:
		return Add(
			e.Object(e.PrimitiveSizes(2, 0, 3, 0, 0)),
			e.ArraySize(Mul(buckets, 2), e.profile.ReferenceSize),
		)
	default:
		entry := e.Object(e.PrimitiveSizes(3, 0, 1, 0, 0))
		return Add(
			e.Object(e.PrimitiveSizes(3, 0, 4, 0, 0)),
			e.ArraySize(buckets, e.profile.ReferenceSize),
			Mul(n, entry),
		)
	}
}

// TimestampSize returns the size of one boxed timestamp
func (e Estimator) TimestampSize() uint64 {
	return e.Object(e.PrimitiveSizes(1, 0, 1, 1, 0))
}

func (e Estimator) floor(size uint64) uint64 {
	if size < e.profile.MinObjectSize {
		size = e.profile.MinObjectSize
	}
	return e.Align(size)
}

// tableCapacity mirrors a load factor of 0.75 with power-of-two tables of at least 16
func tableCapacity(n uint64) uint64 {
	needed := n + n/3 + 1
	capacity := uint64(16)
	for capacity < needed {
		if capacity > Saturated/2 {
			return Saturated
		}
		capacity <<= 1
	}
	return capacity
}

func count(n int) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
