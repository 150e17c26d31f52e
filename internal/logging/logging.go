// Package logging wraps the engine's plain log.Print/log.Fatal calls with
// optional sentry reporting for the failures that indicate an invariant was
// violated rather than a normal rejected write.
package logging

import (
	"log"
	"time"

	"github.com/getsentry/sentry-go"
)

// Init configures sentry reporting if dsn is non-empty. Safe to call with
// an empty dsn, in which case ReportFatal only logs.
func Init(dsn string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{Dsn: dsn})
}

// ReportFatal logs err and, if sentry is configured, reports it before the
// caller panics or exits. Meant for revtree.ErrCorruptRevisionData and
// other failures that should never happen in a correctly-operating store.
func ReportFatal(context string, err error) {
	log.Print("FATAL ", context, ": ", err)
	sentry.CaptureException(err)
	sentry.Flush(2 * time.Second)
}

// ReportRejected logs a normal, expected write rejection (conflict, bad
// revision ID, etc.) at a lower severity; these are not sentry-reported.
func ReportRejected(context string, err error) {
	log.Print("REJECTED ", context, ": ", err)
}
