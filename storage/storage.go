/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Persistence abstraction for projections, journal
             entries, ledger events, and anchors. A flat
             ordered key space with prefix scans; domain
             packages own their own (de)serialization.
Root Cause:  Sprint task L002 — storage backend contract.
Context:     Tests run on the in-memory backend, deployments
             on LevelDB. Key layout is part of the contract:
             sequence keys are zero-padded so lexical order
             equals numeric order.
Suitability: L3 — storage plumbing.
──────────────────────────────────────────────────────────────
*/

package storage

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("storage: key not found")

// Backend is an ordered key-value store. Scan visits keys with the given
// prefix in ascending lexical order; the callback returns false to stop.
type Backend interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Scan(prefix string, fn func(key string, value []byte) (bool, error)) error
	ScanReverse(prefix string, fn func(key string, value []byte) (bool, error)) error
	Close() error
}

// ─── Key Layout ─────────────────────────────────────────────
//
// entity/{type}/{id}                         current projection
// journal/{id}                               journal entry
// jpending/{tenant}/{createdAtNanos}/{id}    FIFO drain index → journal id
// ledger/{tenant}/{seq}                      ledger event
// lidx/entity/{entityId}/{seq}               entity history index → ledger key
// lidx/hash/{tenant}/{hash}                  hash index → seq
// ledgerhead/{tenant}                        chain head metadata
// anchor/{tenant}/{endSeq}                   merkle anchor
// anchorhead/{tenant}                        latest anchor pointer

func padSeq(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

func KeyEntity(entityType, id string) string {
	return "entity/" + entityType + "/" + id
}

func PrefixEntityType(entityType string) string {
	return "entity/" + entityType + "/"
}

func KeyJournal(id string) string {
	return "journal/" + id
}

func KeyJournalPending(tenantID string, createdAtNanos int64, id string) string {
	return "jpending/" + tenantID + "/" + padSeq(createdAtNanos) + "/" + id
}

func PrefixJournalPending() string {
	return "jpending/"
}

func PrefixJournalPendingTenant(tenantID string) string {
	return "jpending/" + tenantID + "/"
}

func KeyLedger(tenantID string, seq int64) string {
	return "ledger/" + tenantID + "/" + padSeq(seq)
}

func PrefixLedgerTenant(tenantID string) string {
	return "ledger/" + tenantID + "/"
}

func KeyLedgerEntityIndex(entityID string, seq int64) string {
	return "lidx/entity/" + entityID + "/" + padSeq(seq)
}

func PrefixLedgerEntityIndex(entityID string) string {
	return "lidx/entity/" + entityID + "/"
}

func KeyLedgerHashIndex(tenantID, hash string) string {
	return "lidx/hash/" + tenantID + "/" + hash
}

func KeyLedgerEventID(eventID string) string {
	return "lidx/id/" + eventID
}

func KeyLedgerHead(tenantID string) string {
	return "ledgerhead/" + tenantID
}

func KeyAnchor(tenantID string, endSeq int64) string {
	return "anchor/" + tenantID + "/" + padSeq(endSeq)
}

func PrefixAnchorTenant(tenantID string) string {
	return "anchor/" + tenantID + "/"
}

func KeyAnchorHead(tenantID string) string {
	return "anchorhead/" + tenantID
}
