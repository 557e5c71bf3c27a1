package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: within one window, exactly min(n, limit) of n events are allowed
func TestProperty_MessageLimiterCapsWindow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("allowed events never exceed the limit", prop.ForAll(
		func(limit, n int) bool {
			ml := NewMessageLimiter(time.Hour, limit)
			key := fmt.Sprintf("user-%d-%d", limit, n)
			allowed := 0
			for i := 0; i < n; i++ {
				if ml.Allow(key) {
					allowed++
				}
			}
			want := n
			if limit < n {
				want = limit
			}
			return allowed == want
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 50),
	))

	properties.Property("connection slots balance", prop.ForAll(
		func(max, n int) bool {
			cl := NewConnectionLimiter(max)
			granted := 0
			for i := 0; i < n; i++ {
				if cl.Allow("u") {
					granted++
				}
			}
			for i := 0; i < granted; i++ {
				cl.Release("u")
			}
			return cl.GetCount("u") == 0 && granted <= max
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
