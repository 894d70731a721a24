/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Delta encoding for ledger events: shallow diff
             between entity states, delta/snapshot apply, and
             full state reconstruction by folding an ordered
             event history. Reconstruct is the authoritative
             replay primitive used by forensic tooling.
Root Cause:  Sprint task L006 — event sourcing delta engine.
Context:     UPDATE events carry diffs, not snapshots; replay
             must reproduce the live projection byte-for-byte.
Suitability: L3 — pure data transformation logic.
──────────────────────────────────────────────────────────────
*/

package delta

import (
	"sort"
	"strings"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/hashchain"
)

// FieldChange records one field's transition inside a delta payload.
type FieldChange struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}

// excluded reports keys that never participate in diffs: internal
// bookkeeping (double-underscore prefix) and write timestamps.
func excluded(key string) bool {
	if strings.HasPrefix(key, "__") {
		return true
	}
	switch key {
	case "createdAt", "updatedAt", "created_at", "updated_at":
		return true
	}
	return false
}

func sameValue(a, b interface{}) bool {
	ea, errA := hashchain.CanonicalJSON(a)
	eb, errB := hashchain.CanonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ea) == string(eb)
}

// Diff computes the shallow key-union delta between two states. A key
// present in old but absent in new records To: nil; the reverse records
// From: nil.
func Diff(old, new map[string]interface{}) map[string]FieldChange {
	keys := make(map[string]struct{}, len(old)+len(new))
	for k := range old {
		keys[k] = struct{}{}
	}
	for k := range new {
		keys[k] = struct{}{}
	}

	out := make(map[string]FieldChange)
	for k := range keys {
		if excluded(k) {
			continue
		}
		ov, ook := old[k]
		nv, nok := new[k]
		if ook && nok && sameValue(ov, nv) {
			continue
		}
		out[k] = FieldChange{From: ov, To: nv}
	}
	return out
}

// Event is the minimal view of a ledger event the replay fold needs.
type Event struct {
	Version int64
	Payload map[string]interface{}
}

// Apply folds one event payload into state and returns the result. Delta
// payloads (marked _isDelta) write each diff's To value; anything else is
// shallow-merged as a snapshot.
func Apply(state map[string]interface{}, payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state)+len(payload))
	for k, v := range state {
		out[k] = v
	}

	if isDelta, _ := payload["_isDelta"].(bool); isDelta {
		diff, _ := payload["diff"].(map[string]interface{})
		for k, raw := range diff {
			switch change := raw.(type) {
			case map[string]interface{}:
				out[k] = change["to"]
			case FieldChange:
				out[k] = change.To
			}
		}
		return out
	}

	for k, v := range payload {
		if k == "_isDelta" || k == "diff" {
			continue
		}
		out[k] = v
	}
	return out
}

// Reconstruct replays an event history over an initial state, oldest
// version first. The input slice is not mutated.
func Reconstruct(initial map[string]interface{}, events []Event) map[string]interface{} {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Version < ordered[j].Version
	})

	state := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		state[k] = v
	}
	for _, ev := range ordered {
		state = Apply(state, ev.Payload)
	}
	return state
}

// DeltaPayload wraps a diff in the wire shape UPDATE events carry.
func DeltaPayload(diff map[string]FieldChange) map[string]interface{} {
	wire := make(map[string]interface{}, len(diff))
	for k, c := range diff {
		wire[k] = map[string]interface{}{"from": c.From, "to": c.To}
	}
	return map[string]interface{}{"_isDelta": true, "diff": wire}
}
