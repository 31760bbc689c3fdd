// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

const (
	// appName is the application name.
	appName = "obnoded"
)

// Version is the application version per the semantic versioning 2.0.0 spec
// (https://semver.org/). It is a variable so it can be overridden during the
// build with '-ldflags "-X main.Version=fullsemver"'.
var Version = "0.1.0-pre"
