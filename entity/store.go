/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Typed projection store. Create and Update
             validate against the type descriptor; every write
             routes through the mutation interceptor (which
             owns the ledger append), stamps the resulting
             ledger position on the projection, and persists.
Root Cause:  Sprint task L005 — entity store over the backend.
Context:     Direct persistence bypassing the interceptor
             breaks the ledger invariants; this store is the
             only writer apart from the vault sweeper's
             at-rest corrections.
Suitability: L3 — CRUD pipeline with ledger coupling.
──────────────────────────────────────────────────────────────
*/

package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/clock"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/hashchain"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/storage"
)

// ErrNotFound is returned for unknown entity ids.
var ErrNotFound = errors.New("entity: not found")

// Store materializes projections over the storage backend.
type Store struct {
	backend     storage.Backend
	registry    *Registry
	interceptor Interceptor
	logger      zerolog.Logger
}

func NewStore(backend storage.Backend, registry *Registry, interceptor Interceptor, logger zerolog.Logger) *Store {
	return &Store{
		backend:     backend,
		registry:    registry,
		interceptor: interceptor,
		logger:      logger.With().Str("component", "entity_store").Logger(),
	}
}

// Registry exposes the descriptor table (the vault sweeper and interceptor
// share it).
func (s *Store) Registry() *Registry { return s.registry }

// Get loads one projection.
func (s *Store) Get(ctx context.Context, entityType, id string) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.backend.Get(storage.KeyEntity(entityType, id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ent := &Entity{}
	if err := json.Unmarshal(raw, ent); err != nil {
		return nil, fmt.Errorf("decode entity %s/%s: %w", entityType, id, err)
	}
	return ent, nil
}

// Find returns the tenant's projections of one type whose values match
// every filter key (canonical-JSON equality). Soft-deleted entities are
// excluded unless includeDeleted.
func (s *Store) Find(ctx context.Context, tenantID, entityType string, filter map[string]interface{}, includeDeleted bool) ([]*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.registry.Resolve(entityType); err != nil {
		return nil, err
	}
	var out []*Entity
	err := s.backend.Scan(storage.PrefixEntityType(entityType), func(_ string, raw []byte) (bool, error) {
		ent := &Entity{}
		if err := json.Unmarshal(raw, ent); err != nil {
			return false, fmt.Errorf("decode entity: %w", err)
		}
		if ent.TenantID != tenantID {
			return true, nil
		}
		if ent.Deleted && !includeDeleted {
			return true, nil
		}
		if matchesFilter(ent.Value, filter) {
			out = append(out, ent)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matchesFilter(value, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := value[k]
		if !ok {
			return false
		}
		ge, err1 := hashchain.CanonicalJSON(got)
		we, err2 := hashchain.CanonicalJSON(want)
		if err1 != nil || err2 != nil || string(ge) != string(we) {
			return false
		}
	}
	return true
}

// Create materializes a new projection at version 1 and captures the
// CREATE through the interceptor.
func (s *Store) Create(ctx context.Context, tenantID, entityType, id string,
	value map[string]interface{}, vc clock.VectorClock, authorID string, meta Meta) (*Entity, error) {
	desc, err := s.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	if err := desc.Validate(value); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ent := &Entity{
		ID:          id,
		TenantID:    tenantID,
		Type:        entityType,
		Value:       cloneValue(value),
		Version:     1,
		VectorClock: vc.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m := &Mutation{
		Kind:       MutationCreate,
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   id,
		New:        ent.Value,
		AuthorID:   authorID,
		Meta:       meta,
	}
	res, err := s.interceptor.Capture(ctx, m)
	if err != nil {
		return nil, err
	}
	ent.LedgerSequence = res.Sequence
	ent.LastLedgerEventID = res.EventID

	if err := s.persist(ent); err != nil {
		return nil, err
	}
	return ent, nil
}

// Update applies a patch to the projection, bumps the version, and
// captures the UPDATE. The caller owns vector-clock merging and conflict
// bookkeeping; ent is persisted as mutated here.
func (s *Store) Update(ctx context.Context, ent *Entity, patch map[string]interface{}, authorID string, meta Meta) (*Entity, error) {
	desc, err := s.registry.Resolve(ent.Type)
	if err != nil {
		return nil, err
	}

	old := cloneValue(ent.Value)
	for k, v := range patch {
		ent.Value[k] = v
	}
	if err := desc.Validate(ent.Value); err != nil {
		// Reject without persisting the patched value.
		ent.Value = old
		return nil, err
	}
	ent.Version++
	ent.UpdatedAt = time.Now().UTC()

	m := &Mutation{
		Kind:       MutationUpdate,
		TenantID:   ent.TenantID,
		EntityType: ent.Type,
		EntityID:   ent.ID,
		Old:        old,
		New:        ent.Value,
		AuthorID:   authorID,
		Meta:       meta,
	}
	res, err := s.interceptor.Capture(ctx, m)
	if err != nil {
		ent.Value = old
		ent.Version--
		return nil, err
	}
	ent.LedgerSequence = res.Sequence
	ent.LastLedgerEventID = res.EventID

	if err := s.persist(ent); err != nil {
		return nil, err
	}
	return ent, nil
}

// SoftDelete tombstones the projection and captures the DELETE. The
// entity stays referenceable by its ledger history.
func (s *Store) SoftDelete(ctx context.Context, ent *Entity, authorID string, meta Meta) (*Entity, error) {
	now := time.Now().UTC()
	ent.Deleted = true
	ent.DeletedAt = &now
	ent.Version++
	ent.UpdatedAt = now

	m := &Mutation{
		Kind:       MutationDelete,
		TenantID:   ent.TenantID,
		EntityType: ent.Type,
		EntityID:   ent.ID,
		Old:        cloneValue(ent.Value),
		AuthorID:   authorID,
		Meta:       meta,
		DeletedAt:  &now,
	}
	res, err := s.interceptor.Capture(ctx, m)
	if err != nil {
		ent.Deleted = false
		ent.DeletedAt = nil
		ent.Version--
		return nil, err
	}
	ent.LedgerSequence = res.Sequence
	ent.LastLedgerEventID = res.EventID

	if err := s.persist(ent); err != nil {
		return nil, err
	}
	return ent, nil
}

// PersistRaw writes a projection without touching the interceptor or the
// version. Reserved for at-rest corrections (the vault sweeper); semantic
// mutations must go through Create/Update/SoftDelete.
func (s *Store) PersistRaw(ent *Entity) error {
	return s.persist(ent)
}

func (s *Store) persist(ent *Entity) error {
	raw, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("encode entity %s/%s: %w", ent.Type, ent.ID, err)
	}
	if err := s.backend.Put(storage.KeyEntity(ent.Type, ent.ID), raw); err != nil {
		return fmt.Errorf("persist entity %s/%s: %w", ent.Type, ent.ID, err)
	}
	return nil
}

func cloneValue(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
