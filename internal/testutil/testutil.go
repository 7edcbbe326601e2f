// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// Context returns a context that is canceled after dur or when the test ends.
func Context(t testing.TB, dur time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	t.Cleanup(cancel)
	return ctx
}

// RequireReceive receives a value from c, failing the test if ctx expires or
// c is closed first.
//
// Safety: Must only be called from the Go routine that created `t`.
func RequireReceive[A any](ctx context.Context, t testing.TB, c <-chan A) A {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireReceive: context expired")
		var a A
		return a
	case a, ok := <-c:
		if !ok {
			require.Fail(t, "RequireReceive: channel closed")
		}
		return a
	}
}

// RequireNoReceive fails the test if c yields a value within dur.
func RequireNoReceive[A any](t testing.TB, c <-chan A, dur time.Duration) {
	t.Helper()
	select {
	case a := <-c:
		require.Failf(t, "RequireNoReceive: unexpected value", "%v", a)
	case <-time.After(dur):
	}
}
