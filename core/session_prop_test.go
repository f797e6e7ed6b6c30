package core

import (
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

// Property: after any sequence of appends across any mix of scopes and
// invocations, replaying the event log over the same shared base reproduces
// the materialized state exactly.
func TestSession_ReplayEquivalenceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		userBase := rapid.MapOfN(
			rapid.StringMatching(`[a-z]{1,6}`),
			rapid.OneOf(rapid.String().AsAny(), rapid.Int().AsAny(), rapid.Bool().AsAny()),
			0, 4,
		).Draw(rt, "userBase")
		appBase := rapid.MapOfN(
			rapid.StringMatching(`[a-z]{1,6}`),
			rapid.OneOf(rapid.String().AsAny(), rapid.Int().AsAny(), rapid.Bool().AsAny()),
			0, 4,
		).Draw(rt, "appBase")

		sess := NewSession("app", "alice", "s1")
		sess.LoadShared(userBase, appBase)

		numEvents := rapid.IntRange(0, 12).Draw(rt, "numEvents")
		prefixes := []string{"", "user:", "app:", "temp:"}
		for i := 0; i < numEvents; i++ {
			delta := map[string]any{}
			numKeys := rapid.IntRange(0, 4).Draw(rt, "numKeys")
			for j := 0; j < numKeys; j++ {
				prefix := rapid.SampledFrom(prefixes).Draw(rt, "prefix")
				key := prefix + rapid.StringMatching(`[a-z]{1,6}`).Draw(rt, "key")
				delta[key] = rapid.OneOf(
					rapid.String().AsAny(), rapid.Int().AsAny(), rapid.Bool().AsAny(),
				).Draw(rt, "value")
			}
			invocation := rapid.SampledFrom([]string{"inv-1", "inv-2", "inv-3"}).Draw(rt, "invocation")
			if _, err := sess.AppendEvent(NewStateEvent(invocation, "agent", delta)); err != nil {
				rt.Fatalf("append failed: %v", err)
			}
		}

		replayed := sess.Replay(userBase, appBase)
		live := sess.Materialized()
		if !reflect.DeepEqual(replayed, live) {
			rt.Fatalf("replay drifted from live state:\nreplay: %#v\nlive:   %#v", replayed, live)
		}
	})
}
