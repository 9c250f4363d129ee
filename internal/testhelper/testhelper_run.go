package testhelper

import (
	"testing"

	"go.uber.org/goleak"
)

// Run sets up required testing state and executes the given test suite. It
// verifies on shutdown that no goroutines were leaked.
func Run(m *testing.M) {
	goleak.VerifyTestMain(m,
		// HTTP clients built by the tests keep idle connections around.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}
