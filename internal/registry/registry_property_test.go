package registry

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ironfuel/livechat/internal/testutil"
)

// Property: after any sequence of admin registrations and removals, AdminOnline
// matches the admin set and the listener saw alternating transitions ending in the current state.
func TestProperty_PresenceMatchesAdminSet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("presence follows the admin set", prop.ForAll(
		func(ops []int) bool {
			r := newTestRegistry()
			var tr transitions
			r.OnPresenceChange(tr.listen)

			live := map[string]bool{}
			for _, op := range ops {
				id := fmt.Sprintf("a%d", op%5)
				if op%2 == 0 {
					_ = r.RegisterAdminConnection(testutil.NewMockConn(id))
					live[id] = true
				} else {
					r.UnregisterConnection(id)
					delete(live, id)
				}
			}

			if r.AdminOnline() != (len(live) > 0) {
				return false
			}
			if len(r.AllAdminConnections()) != len(live) {
				return false
			}

			seen := tr.get()
			for i, online := range seen {
				if online != (i%2 == 0) {
					return false
				}
			}
			if len(seen) == 0 {
				return len(live) == 0
			}
			return seen[len(seen)-1] == (len(live) > 0)
		},
		gen.SliceOf(gen.IntRange(0, 19)),
	))

	properties.TestingRun(t)
}
