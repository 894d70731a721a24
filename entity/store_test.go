package entity_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/clock"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/entity"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/storage"
)

// recordingInterceptor counts captures and fakes ledger positions so the
// store can be tested without the full pipeline.
type recordingInterceptor struct {
	captures []entity.MutationKind
	seq      int64
}

func (r *recordingInterceptor) Capture(_ context.Context, m *entity.Mutation) (entity.CaptureResult, error) {
	r.captures = append(r.captures, m.Kind)
	r.seq++
	return entity.CaptureResult{Sequence: r.seq, EventID: "evt"}, nil
}

func newStore(t *testing.T) (*entity.Store, *recordingInterceptor) {
	t.Helper()
	ic := &recordingInterceptor{}
	s := entity.NewStore(storage.NewMemory(), entity.DefaultRegistry(), ic, zerolog.Nop())
	return s, ic
}

func TestCreateGetRoundTrip(t *testing.T) {
	s, ic := newStore(t)
	ctx := context.Background()

	ent, err := s.Create(ctx, "t1", "transaction", "tx1",
		map[string]interface{}{"amount": 42.0, "category": "food"},
		clock.VectorClock{"A": 1}, "author", entity.Meta{})
	require.NoError(t, err)
	require.Equal(t, int64(1), ent.Version)
	require.Equal(t, int64(1), ent.LedgerSequence)
	require.Equal(t, []entity.MutationKind{entity.MutationCreate}, ic.captures)

	got, err := s.Get(ctx, "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, 42.0, got.Value["amount"])
	require.Equal(t, clock.VectorClock{"A": 1}, got.VectorClock)
}

func TestCreateValidatesDescriptor(t *testing.T) {
	s, ic := newStore(t)

	_, err := s.Create(context.Background(), "t1", "transaction", "tx1",
		map[string]interface{}{"amount": 42.0}, nil, "author", entity.Meta{})
	var ve *entity.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Empty(t, ic.captures, "invalid create must not reach the interceptor")

	_, err = s.Create(context.Background(), "t1", "widget", "w1",
		map[string]interface{}{}, nil, "author", entity.Meta{})
	require.ErrorIs(t, err, entity.ErrUnknownType)
}

func TestUpdateBumpsVersionAndStampsLedger(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	ent, err := s.Create(ctx, "t1", "transaction", "tx1",
		map[string]interface{}{"amount": 1.0, "category": "x"}, nil, "a", entity.Meta{})
	require.NoError(t, err)

	updated, err := s.Update(ctx, ent, map[string]interface{}{"amount": 2.0}, "a", entity.Meta{})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.Equal(t, int64(2), updated.LedgerSequence)
	require.Equal(t, 2.0, updated.Value["amount"])
}

func TestUpdateRejectsInvalidPatch(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	ent, err := s.Create(ctx, "t1", "transaction", "tx1",
		map[string]interface{}{"amount": 1.0, "category": "x"}, nil, "a", entity.Meta{})
	require.NoError(t, err)

	_, err = s.Update(ctx, ent, map[string]interface{}{"category": ""}, "a", entity.Meta{})
	var ve *entity.ValidationError
	require.ErrorAs(t, err, &ve)

	// The rejected patch left no trace.
	got, err := s.Get(ctx, "transaction", "tx1")
	require.NoError(t, err)
	require.Equal(t, "x", got.Value["category"])
	require.Equal(t, int64(1), got.Version)
}

func TestSoftDeleteKeepsProjection(t *testing.T) {
	s, ic := newStore(t)
	ctx := context.Background()

	ent, err := s.Create(ctx, "t1", "transaction", "tx1",
		map[string]interface{}{"amount": 1.0, "category": "x"}, nil, "a", entity.Meta{})
	require.NoError(t, err)

	deleted, err := s.SoftDelete(ctx, ent, "a", entity.Meta{})
	require.NoError(t, err)
	require.True(t, deleted.Deleted)
	require.Equal(t, int64(2), deleted.Version)
	require.Contains(t, ic.captures, entity.MutationDelete)

	// Still readable; excluded from default Find.
	got, err := s.Get(ctx, "transaction", "tx1")
	require.NoError(t, err)
	require.True(t, got.Deleted)

	rows, err := s.Find(ctx, "t1", "transaction", nil, false)
	require.NoError(t, err)
	require.Empty(t, rows)

	rows, err = s.Find(ctx, "t1", "transaction", nil, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestFindFiltersByTenantAndValue(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "t1", "transaction", "a",
		map[string]interface{}{"amount": 1.0, "category": "food"}, nil, "u", entity.Meta{})
	require.NoError(t, err)
	_, err = s.Create(ctx, "t1", "transaction", "b",
		map[string]interface{}{"amount": 2.0, "category": "travel"}, nil, "u", entity.Meta{})
	require.NoError(t, err)
	_, err = s.Create(ctx, "t2", "transaction", "c",
		map[string]interface{}{"amount": 3.0, "category": "food"}, nil, "u", entity.Meta{})
	require.NoError(t, err)

	rows, err := s.Find(ctx, "t1", "transaction", map[string]interface{}{"category": "food"}, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a", rows[0].ID)

	rows, err = s.Find(ctx, "t1", "transaction", nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), "transaction", "ghost")
	require.ErrorIs(t, err, entity.ErrNotFound)
}
