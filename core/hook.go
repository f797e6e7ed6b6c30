package core

// HookResult is the explicit control-flow contract for policy hooks in the
// surrounding orchestration layer (before/after callbacks around model and
// tool calls). A hook either lets processing proceed or short-circuits with
// a replacement value, replacing the convention of returning nil-vs-value.
// The core itself never interprets these; it only defines the contract.
type HookResult struct {
	value        any
	shortCircuit bool
}

// Proceed signals that normal processing should continue.
func Proceed() HookResult { return HookResult{} }

// ShortCircuit signals that processing should stop and value should be used
// in place of the default result.
func ShortCircuit(value any) HookResult { return HookResult{value: value, shortCircuit: true} }

// ShortCircuited reports whether the hook short-circuited, and with what
// value.
func (h HookResult) ShortCircuited() (any, bool) { return h.value, h.shortCircuit }
