/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Canonical byte encoding and SHA-256 chaining for
             the tamper-evident event ledger. Every hash input
             in the system goes through CanonicalJSON so two
             nodes always agree on the bytes being hashed.
Root Cause:  Sprint task L003 — deterministic event hashing.
Context:     Ledger verification recomputes these hashes; any
             nondeterminism here breaks chain validation.
Suitability: L4 — integrity-critical encoding design.
──────────────────────────────────────────────────────────────
*/

package hashchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Genesis is the sentinel previous-hash and previous-root value for the
// first element of any chain.
const Genesis = "GENESIS"

// CanonicalJSON encodes v as compact JSON with no insignificant whitespace.
// encoding/json sorts map keys lexicographically; struct fields keep their
// declaration order. Compact strips the whitespace a round-trip may introduce.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("canonical compact: %w", err)
	}
	return buf.Bytes(), nil
}

// Sum returns the hex-encoded SHA-256 of b.
func Sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// EventHash computes the chained hash of a ledger event: the canonical JSON
// of the payload, concatenated with the previous event's hash (or Genesis)
// and the decimal sequence number.
func EventHash(payload interface{}, previousHash string, seq int64) (string, error) {
	enc, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	if previousHash == "" {
		previousHash = Genesis
	}
	h := sha256.New()
	h.Write(enc)
	h.Write([]byte(previousHash))
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum hashes the canonical payload concatenated with the previous
// event id ("ROOT" when there is none). Used by the forensic replay path
// to cross-check an entity's history independently of the ledger chain.
func Checksum(payload interface{}, previousEventID string) (string, error) {
	enc, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	if previousEventID == "" {
		previousEventID = "ROOT"
	}
	h := sha256.New()
	h.Write(enc)
	h.Write([]byte(previousEventID))
	return hex.EncodeToString(h.Sum(nil)), nil
}
