package hashchain_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/hashchain"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := hashchain.CanonicalJSON(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := hashchain.CanonicalJSON(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonicalJSONNested(t *testing.T) {
	enc, err := hashchain.CanonicalJSON(map[string]interface{}{
		"z": map[string]interface{}{"y": "x", "a": true},
		"n": []interface{}{1, "two"},
	})
	require.NoError(t, err)
	require.Equal(t, `{"n":[1,"two"],"z":{"a":true,"y":"x"}}`, string(enc))
}

func TestEventHashDeterministic(t *testing.T) {
	payload := map[string]interface{}{"amount": 100, "category": "food"}
	h1, err := hashchain.EventHash(payload, hashchain.Genesis, 1)
	require.NoError(t, err)
	h2, err := hashchain.EventHash(payload, hashchain.Genesis, 1)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)

	// Recompute by hand to pin the encoding.
	enc := []byte(`{"amount":100,"category":"food"}` + "GENESIS" + "1")
	want := sha256.Sum256(enc)
	require.Equal(t, hex.EncodeToString(want[:]), h1)
}

func TestEventHashVariesWithInputs(t *testing.T) {
	payload := map[string]interface{}{"amount": 100}
	base, err := hashchain.EventHash(payload, "prev", 7)
	require.NoError(t, err)

	other, err := hashchain.EventHash(payload, "prev", 8)
	require.NoError(t, err)
	require.NotEqual(t, base, other)

	other, err = hashchain.EventHash(payload, "different", 7)
	require.NoError(t, err)
	require.NotEqual(t, base, other)

	other, err = hashchain.EventHash(map[string]interface{}{"amount": 101}, "prev", 7)
	require.NoError(t, err)
	require.NotEqual(t, base, other)
}

func TestEventHashEmptyPrevIsGenesis(t *testing.T) {
	payload := map[string]interface{}{"k": "v"}
	a, err := hashchain.EventHash(payload, "", 1)
	require.NoError(t, err)
	b, err := hashchain.EventHash(payload, hashchain.Genesis, 1)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestChecksumRoot(t *testing.T) {
	a, err := hashchain.Checksum(map[string]interface{}{"k": 1}, "")
	require.NoError(t, err)
	b, err := hashchain.Checksum(map[string]interface{}{"k": 1}, "ROOT")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := hashchain.Checksum(map[string]interface{}{"k": 1}, "evt-9")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
