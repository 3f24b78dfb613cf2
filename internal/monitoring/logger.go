// Package monitoring holds the package-level diagnostic logger shared by
// the reconstruction and streaming packages.
package monitoring

import "log"

// Logf is the diagnostic logger. It defaults to log.Printf; SetLogger
// replaces it so tests can capture or mute output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Mute silences Logf and returns a func that restores the previous
// logger, for use with defer in tests.
func Mute() (restore func()) {
	prev := Logf
	SetLogger(nil)
	return func() { Logf = prev }
}
