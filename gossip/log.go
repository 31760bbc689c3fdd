// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package gossip

import "nexex.org/obnode/ob"

var log = ob.Disabled

// UseLogger sets the logger for the gossip package.
func UseLogger(logger ob.Logger) {
	log = logger
}
