// Package civil represents calendar dates without a time of day or zone.
// Date is cloud.google.com/go/civil's type; the helpers here add the
// service's parse message and time-of-day conversion.
package civil

import (
	"fmt"
	"time"

	gcivil "cloud.google.com/go/civil"
)

const Layout = "2006-01-02"

// Date is a calendar date. It marshals as YYYY-MM-DD.
type Date = gcivil.Date

// DateOf returns the date of t in t's location.
func DateOf(t time.Time) Date { return gcivil.DateOf(t) }

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	d, err := gcivil.ParseDate(s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

// MustParse is ParseDate for literals in tests and fixtures.
func MustParse(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// At returns d at hour:minute in loc.
func At(d Date, hour, minute int, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
}

// Weekday is computed in UTC so it never depends on the process zone.
func Weekday(d Date) time.Weekday {
	return d.In(time.UTC).Weekday()
}
