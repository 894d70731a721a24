package vault_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/clock"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/entity"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/storage"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/vault"
)

// passthroughInterceptor lets the store write without a ledger so the
// sweeper can be exercised against legacy plaintext rows.
type passthroughInterceptor struct{ seq int64 }

func (p *passthroughInterceptor) Capture(_ context.Context, _ *entity.Mutation) (entity.CaptureResult, error) {
	p.seq++
	return entity.CaptureResult{Sequence: p.seq, EventID: "evt"}, nil
}

func TestSweeperEncryptsLegacyPlaintext(t *testing.T) {
	backend := storage.NewMemory()
	v, err := vault.New("secret", 16)
	require.NoError(t, err)
	store := entity.NewStore(backend, entity.DefaultRegistry(), &passthroughInterceptor{}, zerolog.Nop())

	// A legacy row written before accountNumber was vaulted: the
	// passthrough interceptor does not encrypt, so plaintext lands at rest.
	ent, err := store.Create(context.Background(), "t1", "transaction", "tx1",
		map[string]interface{}{"amount": 1.0, "category": "x", "accountNumber": "555-01", "notes": "legacy"},
		clock.VectorClock{}, "a", entity.Meta{})
	require.NoError(t, err)
	priorVersion := ent.Version

	sweeper := vault.NewSweeper(backend, v, store, zerolog.Nop())
	migrated, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, migrated) // accountNumber + notes

	got, err := store.Get(context.Background(), "transaction", "tx1")
	require.NoError(t, err)
	acct, _ := got.Value["accountNumber"].(string)
	notes, _ := got.Value["notes"].(string)
	require.True(t, vault.IsCiphertext(acct))
	require.True(t, vault.IsCiphertext(notes))

	// A data correction, not a semantic mutation: version unchanged, a
	// MIGRATION line recorded.
	require.Equal(t, priorVersion, got.Version)
	require.NotEmpty(t, got.ProcessingLog)
	require.Contains(t, got.ProcessingLog[0], "MIGRATION")

	// The ciphertext round-trips for the owning tenant.
	plain, err := v.Decrypt(acct, "t1")
	require.NoError(t, err)
	require.Equal(t, "555-01", plain)
}

func TestSweeperIdempotent(t *testing.T) {
	backend := storage.NewMemory()
	v, err := vault.New("secret", 16)
	require.NoError(t, err)
	store := entity.NewStore(backend, entity.DefaultRegistry(), &passthroughInterceptor{}, zerolog.Nop())

	_, err = store.Create(context.Background(), "t1", "transaction", "tx1",
		map[string]interface{}{"amount": 1.0, "category": "x", "notes": "once"},
		clock.VectorClock{}, "a", entity.Meta{})
	require.NoError(t, err)

	sweeper := vault.NewSweeper(backend, v, store, zerolog.Nop())
	migrated, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, migrated)

	migrated, err = sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, migrated)
}
