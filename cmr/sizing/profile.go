package sizing

import (
	"fmt"
	"strings"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
)

// CollectionModel selects how hash-based collections are laid out in memory
type CollectionModel int

const (
	// EntryObjects allocates one node object per map entry on top of the bucket table
	EntryObjects CollectionModel = iota
	// PackedBuckets stores keys and values inline in a doubled bucket array
	PackedBuckets
)

func (m CollectionModel) String() string {
	switch m {
	case EntryObjects:
		return "entry-objects"
	case PackedBuckets:
		return "packed-buckets"
	default:
		return "unknown"
	}
}

// Profile describes the memory model of the monitored runtime. Profiles are
// plain data: every estimate is computed by the same functions from these constants.
type Profile struct {
	Name             string
	ReferenceSize    uint64
	ObjectHeaderSize uint64
	ArrayHeaderSize  uint64
	Alignment        uint64
	MinObjectSize    uint64 // 0 means no floor beyond header plus fields
	Collections      CollectionModel
}

const (
	ProfileStandard  = "standard"
	ProfileAlternate = "alternate"
)

// StandardProfile returns the memory model of the reference runtime for the
// given pointer width (32 or 64).
func StandardProfile(pointerWidth int) (Profile, error) {
	switch pointerWidth {
	case 32:
		return Profile{
			Name:             ProfileStandard,
			ReferenceSize:    4,
			ObjectHeaderSize: 8,
			ArrayHeaderSize:  12,
			Alignment:        8,
			Collections:      EntryObjects,
		}, nil
	case 64:
		return Profile{
			Name:             ProfileStandard,
			ReferenceSize:    8,
			ObjectHeaderSize: 16,
			ArrayHeaderSize:  24,
			Alignment:        8,
			Collections:      EntryObjects,
		}, nil
	default:
		return Profile{}, fmt.Errorf("%w: pointer width %d", common.ErrInvalidProfile, pointerWidth)
	}
}

// AlternateProfile returns the memory model with larger headers, a fixed
// 16 byte object floor and packed hash collections.
func AlternateProfile(pointerWidth int) (Profile, error) {
	switch pointerWidth {
	case 32:
		return Profile{
			Name:             ProfileAlternate,
			ReferenceSize:    4,
			ObjectHeaderSize: 12,
			ArrayHeaderSize:  16,
			Alignment:        8,
			MinObjectSize:    16,
			Collections:      PackedBuckets,
		}, nil
	case 64:
		return Profile{
			Name:             ProfileAlternate,
			ReferenceSize:    8,
			ObjectHeaderSize: 24,
			ArrayHeaderSize:  32,
			Alignment:        8,
			MinObjectSize:    16,
			Collections:      PackedBuckets,
		}, nil
	default:
		return Profile{}, fmt.Errorf("%w: pointer width %d", common.ErrInvalidProfile, pointerWidth)
	}
}

// ProfileByName resolves a configured profile name
func ProfileByName(name string, pointerWidth int) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProfileStandard, "":
		return StandardProfile(pointerWidth)
	case ProfileAlternate:
		return AlternateProfile(pointerWidth)
	default:
		return Profile{}, fmt.Errorf("%w: %q", common.ErrInvalidProfile, name)
	}
}

// Validate checks that the profile constants can produce aligned sizes
func (p Profile) Validate() error {
	if p.Alignment == 0 || p.Alignment&(p.Alignment-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of two", common.ErrInvalidProfile, p.Alignment)
	}
	if p.ReferenceSize != 4 && p.ReferenceSize != 8 {
		return fmt.Errorf("%w: reference size %d", common.ErrInvalidProfile, p.ReferenceSize)
	}
	if p.ObjectHeaderSize == 0 || p.ArrayHeaderSize == 0 {
		return fmt.Errorf("%w: header sizes must be positive", common.ErrInvalidProfile)
	}
	return nil
}
