// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jrick/logrotate/rotator"
	"nexex.org/obnode/book"
	"nexex.org/obnode/gossip"
	"nexex.org/obnode/ob"
	"nexex.org/obnode/ob/ws"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it write to the backend through the logWriter. When
// adding a new subsystem, add its identifier to subsystemIDs.
//
// Loggers should not be used before the log rotator has been initialized with
// a log file. This must be performed early during application startup by
// calling initLogRotator.
var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = ob.Disabled

	// subsystemIDs are the valid subsystem identifiers for per-subsystem
	// debug levels.
	subsystemIDs = map[string]struct{}{
		"MAIN": {},
		"BOOK": {},
		"SRVC": {},
		"GSIP": {},
		"WS":   {},
		"DB":   {},
		"ORCL": {},
	}
)

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemIDs))
	for subsysID := range subsystemIDs {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}

// configureLoggers creates the subsystem loggers from the maker and hands the
// package-level ones to their packages. The returned loggers are for the
// components constructed explicitly in mainCore.
func configureLoggers(lm *ob.LoggerMaker) (svcLog, dbLog, oracleLog ob.Logger) {
	log = lm.NewLogger("MAIN")
	book.UseLogger(lm.NewLogger("BOOK"))
	ws.UseLogger(lm.NewLogger("WS"))
	gossip.UseLogger(lm.NewLogger("GSIP"))
	return lm.NewLogger("SRVC"), lm.NewLogger("DB"), lm.NewLogger("ORCL")
}
