package delta_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/delta"
)

func TestDiffDetectsChangedAndNewKeys(t *testing.T) {
	old := map[string]interface{}{"amount": 100, "category": "food", "note": "lunch"}
	new := map[string]interface{}{"amount": 150, "category": "food", "vendor": "cafe"}

	d := delta.Diff(old, new)
	require.Len(t, d, 3)
	require.Equal(t, delta.FieldChange{From: 100, To: 150}, d["amount"])
	require.Equal(t, delta.FieldChange{From: "lunch", To: nil}, d["note"])
	require.Equal(t, delta.FieldChange{From: nil, To: "cafe"}, d["vendor"])
	require.NotContains(t, d, "category")
}

func TestDiffExcludesInternalAndTimestampKeys(t *testing.T) {
	old := map[string]interface{}{"__rev": 1, "createdAt": "a", "updatedAt": "b", "amount": 1}
	new := map[string]interface{}{"__rev": 2, "createdAt": "c", "updatedAt": "d", "amount": 2}
	d := delta.Diff(old, new)
	require.Len(t, d, 1)
	require.Contains(t, d, "amount")
}

func TestApplySnapshotMerges(t *testing.T) {
	state := map[string]interface{}{"a": 1, "b": 2}
	out := delta.Apply(state, map[string]interface{}{"b": 3, "c": 4})
	require.Equal(t, map[string]interface{}{"a": 1, "b": 3, "c": 4}, out)
	// Input untouched.
	require.Equal(t, 2, state["b"])
}

func TestApplyDeltaWritesToValues(t *testing.T) {
	state := map[string]interface{}{"amount": 100, "category": "food"}
	payload := map[string]interface{}{
		"_isDelta": true,
		"diff": map[string]interface{}{
			"amount": map[string]interface{}{"from": 100, "to": 150},
		},
	}
	out := delta.Apply(state, payload)
	require.Equal(t, 150, out["amount"])
	require.Equal(t, "food", out["category"])
}

func TestDeltaRoundTrip(t *testing.T) {
	old := map[string]interface{}{"amount": 100.0, "category": "food", "tags": []interface{}{"a"}}
	new := map[string]interface{}{"amount": 150.0, "category": "travel", "tags": []interface{}{"a", "b"}}

	out := delta.Apply(old, delta.DeltaPayload(delta.Diff(old, new)))
	require.Equal(t, new, out)
}

func TestReconstructFoldsByVersion(t *testing.T) {
	events := []delta.Event{
		{Version: 3, Payload: map[string]interface{}{
			"_isDelta": true,
			"diff":     map[string]interface{}{"amount": map[string]interface{}{"from": 150.0, "to": 90.0}},
		}},
		{Version: 1, Payload: map[string]interface{}{"amount": 100.0, "category": "food"}},
		{Version: 2, Payload: map[string]interface{}{
			"_isDelta": true,
			"diff":     map[string]interface{}{"amount": map[string]interface{}{"from": 100.0, "to": 150.0}},
		}},
	}

	state := delta.Reconstruct(map[string]interface{}{}, events)
	require.Equal(t, 90.0, state["amount"])
	require.Equal(t, "food", state["category"])
}

func TestReconstructRandomizedSequence(t *testing.T) {
	// Simulate a chain of updates and verify replay equals the final state.
	state := map[string]interface{}{"amount": 0.0, "category": "seed"}
	var events []delta.Event
	events = append(events, delta.Event{Version: 1, Payload: cloneMap(state)})

	current := cloneMap(state)
	for i := 2; i <= 12; i++ {
		next := cloneMap(current)
		next["amount"] = float64(i * 7)
		if i%3 == 0 {
			next["category"] = "rotated"
		}
		events = append(events, delta.Event{
			Version: int64(i),
			Payload: delta.DeltaPayload(delta.Diff(current, next)),
		})
		current = next
	}

	require.Equal(t, current, delta.Reconstruct(map[string]interface{}{}, events))
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
