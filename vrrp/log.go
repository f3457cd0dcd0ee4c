// Package vrrp implements the VRRP (RFC 3768 / RFC 5798) protocol engine:
// advertisement encode/decode, the per-instance state machine, and the
// sync-group coordination that sits above it. Effectuation (address
// programming, gratuitous ARP/NA, nftables) and tracking live in the
// sibling internal packages and are wired to instances through the
// AddressProgrammer / Announcer / FilterProgrammer interfaces declared
// here; trackers report through Instance.ApplyTrackerPriority.
package vrrp

import (
	"os"

	"github.com/sirupsen/logrus"
)

// logg is the package-level logger, in the teacher's SetDefaultLogger
// shape: a default is ready to use, and callers can swap it for one
// wired into their own logging pipeline.
var logg = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLogger replaces the package-level logger used by every Instance and
// Engine created afterwards.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logg = l
	}
}
