package scd2

import (
	"time"

	"github.com/makadata/bankdwh/lib/config"
)

const (
	EffectiveFromColumn = "effective_from"
	EffectiveToColumn   = "effective_to"
)

// OpenSentinel marks the open end of the current validity interval. DATE
// columns truncate it to 3000-01-01.
var OpenSentinel = time.Date(3000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Profile abstracts the two observed current-row representations so the merge
// loop never branches on the physical schema variant.
type Profile interface {
	Name() string
	FlagColumn() string
	// CurrentValue is the flag value marking the presently valid version.
	CurrentValue() bool
	ClosedValue() bool
}

// deletedFlagProfile is the DATE-validity variant: deleted_flg = FALSE marks
// the current version.
type deletedFlagProfile struct{}

func (deletedFlagProfile) Name() string       { return "deleted_flg" }
func (deletedFlagProfile) FlagColumn() string { return "deleted_flg" }
func (deletedFlagProfile) CurrentValue() bool { return false }
func (deletedFlagProfile) ClosedValue() bool  { return true }

// isCurrentProfile is the TIMESTAMP-validity variant: is_current = TRUE marks
// the current version.
type isCurrentProfile struct{}

func (isCurrentProfile) Name() string       { return "is_current" }
func (isCurrentProfile) FlagColumn() string { return "is_current" }
func (isCurrentProfile) CurrentValue() bool { return true }
func (isCurrentProfile) ClosedValue() bool  { return false }

func ProfileFor(name string) (Profile, error) {
	switch name {
	case "", "deleted_flg":
		// deleted_flg is the default because shipped schemas predate is_current.
		return deletedFlagProfile{}, nil
	case "is_current":
		return isCurrentProfile{}, nil
	default:
		return nil, config.NewConfigError("unknown scd2 profile %q", name)
	}
}
