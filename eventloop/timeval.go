package eventloop

import (
	"fmt"
	"time"
)

const usecPerSec = 1_000_000

// TimeVal is a wall-clock instant with microsecond resolution. The zero value
// is the Unix epoch. Values produced by this package are always normalized so
// that 0 <= Usec < 1_000_000.
type TimeVal struct {
	Sec  int64
	Usec int64
}

// Now returns the current time as a TimeVal.
func Now() TimeVal { return FromTime(time.Now()) }

// FromTime converts t, truncating to microseconds.
func FromTime(t time.Time) TimeVal {
	return TimeVal{Sec: t.Unix(), Usec: int64(t.Nanosecond() / 1000)}
}

// Time converts tv back to a time.Time in the local zone.
func (tv TimeVal) Time() time.Time {
	tv = tv.normalize()
	return time.Unix(tv.Sec, tv.Usec*1000)
}

// Micros returns tv as microseconds since the epoch.
func (tv TimeVal) Micros() int64 {
	return tv.Sec*usecPerSec + tv.Usec
}

func (tv TimeVal) normalize() TimeVal {
	if tv.Usec >= usecPerSec || tv.Usec < 0 {
		tv.Sec += tv.Usec / usecPerSec
		tv.Usec %= usecPerSec
		if tv.Usec < 0 {
			tv.Usec += usecPerSec
			tv.Sec--
		}
	}
	return tv
}

// Add returns tv+d. Sub-microsecond precision in d is discarded.
func (tv TimeVal) Add(d time.Duration) TimeVal {
	tv.Usec += d.Microseconds()
	return tv.normalize()
}

// Sub returns the duration tv-u.
func (tv TimeVal) Sub(u TimeVal) time.Duration {
	return time.Duration(tv.Micros()-u.Micros()) * time.Microsecond
}

// DiffMillis returns tv-u in whole milliseconds, truncated toward zero.
func (tv TimeVal) DiffMillis(u TimeVal) int64 {
	return (tv.Micros() - u.Micros()) / 1000
}

// Compare returns -1, 0 or +1 depending on whether tv is before, equal to,
// or after u.
func (tv TimeVal) Compare(u TimeVal) int {
	a, b := tv.normalize(), u.normalize()
	switch {
	case a.Sec < b.Sec:
		return -1
	case a.Sec > b.Sec:
		return 1
	case a.Usec < b.Usec:
		return -1
	case a.Usec > b.Usec:
		return 1
	default:
		return 0
	}
}

// Before reports whether tv is earlier than u.
func (tv TimeVal) Before(u TimeVal) bool { return tv.Compare(u) < 0 }

// After reports whether tv is later than u.
func (tv TimeVal) After(u TimeVal) bool { return tv.Compare(u) > 0 }

// Equal reports whether tv and u are the same instant.
func (tv TimeVal) Equal(u TimeVal) bool { return tv.Compare(u) == 0 }

// IsZero reports whether tv is the zero TimeVal.
func (tv TimeVal) IsZero() bool { return tv.Sec == 0 && tv.Usec == 0 }

func (tv TimeVal) String() string {
	tv = tv.normalize()
	return fmt.Sprintf("%d.%06d", tv.Sec, tv.Usec)
}
