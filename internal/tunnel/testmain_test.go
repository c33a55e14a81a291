package tunnel_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests in the package
// complete. A Run loop that outlives its test shows up here.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
