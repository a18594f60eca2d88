// Package testutil carries the small helpers shared by the package
// tests: a long-test gate, a quiet logger and fast membership timings.
package testutil

import (
	"flag"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/internal/membership"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

func IsLongEnabled() bool {
	return *RunLong
}

// Logger returns a logger that only speaks up on errors, so test
// output stays readable.
func Logger(t *testing.T) *logrus.Logger {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// FastMembership returns failure-detector timings tight enough for
// tests to observe deaths within a second or two.
func FastMembership() membership.Options {
	return membership.Options{
		HeartbeatInterval: 50 * time.Millisecond,
		SuspectTimeout:    500 * time.Millisecond,
		FailureThreshold:  3,
	}
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}
