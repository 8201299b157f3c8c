package domain

import (
	"strings"
	"time"
)

// Booking constraints.
const (
	// MaxBookingJobs is the maximum number of desired job codes per ad.
	MaxBookingJobs = 6

	// MaxBookingResults is the page size cap for booking searches.
	MaxBookingResults = 10

	// NoticeLength is the fixed width of the free-text notice on the wire.
	NoticeLength = 36
)

// BookingMode selects the criteria shape for a deployment. It is fixed at
// registry construction; the two shapes are mutually exclusive.
type BookingMode uint8

const (
	// BookingModeJobs advertises a desired map plus desired job codes.
	BookingModeJobs BookingMode = iota

	// BookingModeNotice advertises a desired map plus a free-text notice.
	BookingModeNotice
)

// String returns the mode name used in config files.
func (m BookingMode) String() string {
	if m == BookingModeNotice {
		return "notice"
	}
	return "jobs"
}

// BookingCriteria is the tagged variant payload of an advertisement.
// Jobs is meaningful in BookingModeJobs, Notice in BookingModeNotice;
// MapID is shared by both shapes.
type BookingCriteria struct {
	MapID  uint16   `json:"map_id"`
	Jobs   []uint16 `json:"jobs,omitempty"`
	Notice string   `json:"notice,omitempty"`
}

// ValidateFor checks the criteria against the deployment mode.
func (c BookingCriteria) ValidateFor(mode BookingMode) error {
	switch mode {
	case BookingModeJobs:
		if c.Notice != "" {
			return ErrBookingModeMismatch
		}
		if len(c.Jobs) > MaxBookingJobs {
			return ErrInvalidCriteria.WithDetails("too many job codes")
		}
	case BookingModeNotice:
		if len(c.Jobs) > 0 {
			return ErrBookingModeMismatch
		}
		if len(c.Notice) > NoticeLength {
			return ErrInvalidCriteria.WithDetails("notice too long")
		}
	}
	return nil
}

// Clone returns a deep copy of the criteria.
func (c BookingCriteria) Clone() BookingCriteria {
	out := c
	if c.Jobs != nil {
		out.Jobs = append([]uint16(nil), c.Jobs...)
	}
	return out
}

// BookingAd is a recruitment advertisement. At most one live ad exists per
// posting character; the registry enforces that.
type BookingAd struct {
	// Index is the monotonically increasing insertion index. It is the
	// stable pagination cursor and survives content updates.
	Index uint64 `json:"index"`

	CharID   CharID `json:"char_id"`
	CharName string `json:"char_name"`

	// Level is the requested group level.
	Level uint16 `json:"level"`

	Criteria BookingCriteria `json:"criteria"`

	// ExpiresAt is the absolute expiration timestamp.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the ad's expiration is at or before now.
func (a *BookingAd) Expired(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// Matches reports whether the ad satisfies a search. A zero search level is
// a wildcard; otherwise the search level must lie within levelRange of the
// ad's requested level. Map, job, and notice filters are wildcarded by
// zero values; a non-empty notice filter matches as a substring.
func (a *BookingAd) Matches(mode BookingMode, level, levelRange uint16, c BookingCriteria) bool {
	if level != 0 {
		lo := int(a.Level) - int(levelRange)
		hi := int(a.Level) + int(levelRange)
		if int(level) < lo || int(level) > hi {
			return false
		}
	}
	if c.MapID != 0 && c.MapID != a.Criteria.MapID {
		return false
	}
	switch mode {
	case BookingModeJobs:
		if len(c.Jobs) == 0 {
			return true
		}
		for _, want := range c.Jobs {
			for _, have := range a.Criteria.Jobs {
				if want == have {
					return true
				}
			}
		}
		return false
	case BookingModeNotice:
		if c.Notice != "" && !strings.Contains(a.Criteria.Notice, c.Notice) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the ad.
func (a *BookingAd) Clone() *BookingAd {
	c := *a
	c.Criteria = a.Criteria.Clone()
	return &c
}
