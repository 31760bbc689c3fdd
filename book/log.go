// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package book

import "nexex.org/obnode/ob"

// log is the book package's logger. Logging is disabled until UseLogger is
// called.
var log = ob.Disabled

// UseLogger sets the package logger.
func UseLogger(logger ob.Logger) {
	log = logger
}
