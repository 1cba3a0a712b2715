// Package errs holds the error kinds a harvest run distinguishes. Each kind is
// a marker; concrete errors are wrapped with context and marked, so callers
// classify them with errors.Is regardless of how deep the cause sits.
package errs

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrInput marks a missing or unreadable billing snapshot. Fatal.
	ErrInput = errors.New("input error")
	// ErrParseAnomaly marks a row that could not be turned into an entry, or
	// a repeated identifier. Logged, never fatal.
	ErrParseAnomaly = errors.New("parse anomaly")
	// ErrFetch marks a failed download or write of a single receipt.
	ErrFetch = errors.New("fetch error")
	// ErrOutput marks an output directory that cannot be created or listed. Fatal.
	ErrOutput = errors.New("output error")
	// ErrDriver marks a download driver that could not be started. Fatal: no
	// later entry could succeed either.
	ErrDriver = errors.New("driver error")
)

func mark(err error, kind error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), kind)
}

func Input(err error, msg string) error  { return mark(err, ErrInput, msg) }
func Output(err error, msg string) error { return mark(err, ErrOutput, msg) }
func Fetch(err error, msg string) error  { return mark(err, ErrFetch, msg) }
func Driver(err error, msg string) error { return mark(err, ErrDriver, msg) }

// Anomaly builds a parse anomaly from a formatted reason.
func Anomaly(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrParseAnomaly)
}

func IsInput(err error) bool   { return errors.Is(err, ErrInput) }
func IsOutput(err error) bool  { return errors.Is(err, ErrOutput) }
func IsFetch(err error) bool   { return errors.Is(err, ErrFetch) }
func IsAnomaly(err error) bool { return errors.Is(err, ErrParseAnomaly) }
func IsDriver(err error) bool  { return errors.Is(err, ErrDriver) }

// Fatal reports whether err should abort the run before or during traversal.
func Fatal(err error) bool {
	return IsInput(err) || IsOutput(err) || IsDriver(err)
}
