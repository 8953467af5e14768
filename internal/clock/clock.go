// Package clock supplies the calendar tokens the rotation and incremental
// engines key their decisions on: day-of-month, ISO day-of-week, year-month,
// and the two timestamp formats used in log lines and artifact filenames.
//
// A Clock is injected (never time.Now() called directly from engine code) so
// tests can pin "today" without sleeping or faking the system clock.
package clock

import (
	"fmt"
	"time"
)

// LogStampFormat is used for human-readable log lines: "2006-01-02 15:04:05".
const LogStampFormat = "2006-01-02 15:04:05"

// ArtifactStampFormat is embedded in artifact filenames: "2006-01-02_15-04".
const ArtifactStampFormat = "2006-01-02_15-04"

// Anchors fixes the configured "weekly" and "monthly" anchor days. Defaults
// mirror the upstream tool: dow=4 (Thursday, ISO weekday), dom=5.
type Anchors struct {
	DOW int // 1..7, ISO (Monday=1)
	DOM int // 1..31
}

// DefaultAnchors returns the documented defaults (dow=4, dom=05).
func DefaultAnchors() Anchors {
	return Anchors{DOW: 4, DOM: 5}
}

// Clock is the injectable source of "now". Production code uses Real;
// tests use Fixed.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock in UTC, consistent with artifact timestamps
// being comparable across hosts.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed returns a constant instant — used by tests to pin "today".
type Fixed struct {
	At time.Time
}

func (f Fixed) Now() time.Time { return f.At }

// Tokens is the bundle of calendar fields derived from a single instant,
// matching general_function.get_time_now()'s token set in the original tool.
type Tokens struct {
	DOW       int    // 1..7 ISO
	DOM       int    // 1..31
	MOY       int    // 1..12
	Year      int
	LogStamp      string
	ArtifactStamp string
}

// Now derives all calendar tokens from c's current instant.
func Now(c Clock) Tokens {
	t := c.Now()
	dow := int(t.Weekday())
	if dow == 0 {
		dow = 7 // ISO: Sunday=7
	}
	return Tokens{
		DOW:           dow,
		DOM:           t.Day(),
		MOY:           int(t.Month()),
		Year:          t.Year(),
		LogStamp:      t.Format(LogStampFormat),
		ArtifactStamp: t.Format(ArtifactStampFormat),
	}
}

// IsMonthlyAnchor reports whether today is the configured monthly anchor day.
func (t Tokens) IsMonthlyAnchor(a Anchors) bool { return t.DOM == a.DOM }

// IsWeeklyAnchor reports whether today is the configured weekly anchor day.
func (t Tokens) IsWeeklyAnchor(a Anchors) bool { return t.DOW == a.DOW }

// DailyPrefix returns the decade bucket name for the incremental engine:
// day_01 for dom<=10, day_11 for 11..20, day_21 otherwise. The decade is
// computed from dom directly — not from "first day of month" — per the
// upstream tool's intentional behavior.
func (t Tokens) DailyPrefix() string {
	switch {
	case t.DOM <= 10:
		return "day_01"
	case t.DOM <= 20:
		return "day_11"
	default:
		return "day_21"
	}
}

// MonthDir formats the month component of storage paths, e.g. "month_03".
func (t Tokens) MonthDir() string {
	return fmt.Sprintf("month_%02d", t.MOY)
}

// YearDir formats the year component of storage paths, e.g. "2024".
func (t Tokens) YearDir() string {
	return fmt.Sprintf("%04d", t.Year)
}

// MonthDirFor formats an arbitrary month number (1..12), used by the
// incremental engine's cross-year retention sweep.
func MonthDirFor(moy int) string {
	return fmt.Sprintf("month_%02d", moy)
}

// YearDirFor formats an arbitrary year, used by the same sweep.
func YearDirFor(year int) string {
	return fmt.Sprintf("%04d", year)
}
