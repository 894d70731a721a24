package ledger_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/hashchain"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/ledger"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/locking"
	"github.com/ExpenseFlowDev/expenseflow/services/ledgercore/storage"
)

func newLedger(t *testing.T) (*ledger.Ledger, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory()
	l := ledger.New(backend, locking.NewKeyedMutex(), zerolog.Nop(), true)
	return l, backend
}

func appendN(t *testing.T, l *ledger.Ledger, tenant string, n int) []*ledger.Event {
	t.Helper()
	events := make([]*ledger.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.Append(context.Background(), tenant, "transaction", fmt.Sprintf("tx-%d", i),
			ledger.EventCreated, map[string]interface{}{"amount": float64(i)}, "author-1", ledger.Metadata{})
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestAppendFirstEventLinksGenesis(t *testing.T) {
	l, _ := newLedger(t)
	payload := map[string]interface{}{"amount": 100.0, "category": "food"}

	ev, err := l.Append(context.Background(), "t1", "transaction", "tx1",
		ledger.EventCreated, payload, "author-1", ledger.Metadata{DeviceID: "d1"})
	require.NoError(t, err)

	require.Equal(t, int64(1), ev.Sequence)
	require.Equal(t, hashchain.Genesis, ev.PreviousHash)
	require.Empty(t, ev.PreviousEventID)

	want, err := hashchain.EventHash(payload, hashchain.Genesis, 1)
	require.NoError(t, err)
	require.Equal(t, want, ev.CurrentHash)
}

func TestSequenceContiguityAndLinkage(t *testing.T) {
	l, _ := newLedger(t)
	events := appendN(t, l, "t1", 8)

	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Sequence)
		if i > 0 {
			require.Equal(t, events[i-1].CurrentHash, ev.PreviousHash)
			require.Equal(t, events[i-1].ID, ev.PreviousEventID)
		}
	}

	res, err := l.VerifyChain(context.Background(), "t1", 1, 8)
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestAppendConcurrentSingleTenant(t *testing.T) {
	l, _ := newLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), "t1", "transaction", fmt.Sprintf("tx-%d", i),
				ledger.EventCreated, map[string]interface{}{"i": i}, "a", ledger.Metadata{})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events, err := l.Range(context.Background(), "t1", 1, 30)
	require.NoError(t, err)
	require.Len(t, events, 30)
	seen := map[int64]bool{}
	for _, ev := range events {
		require.False(t, seen[ev.Sequence], "duplicate seq %d", ev.Sequence)
		seen[ev.Sequence] = true
	}
	res, err := l.VerifyChain(context.Background(), "t1", 1, 30)
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestTenantsAreIndependent(t *testing.T) {
	l, _ := newLedger(t)
	appendN(t, l, "t1", 3)
	appendN(t, l, "t2", 2)

	last1, err := l.FindLast(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, int64(3), last1.Sequence)

	last2, err := l.FindLast(context.Background(), "t2")
	require.NoError(t, err)
	require.Equal(t, int64(2), last2.Sequence)
}

func TestFindLastEmptyTenant(t *testing.T) {
	l, _ := newLedger(t)
	last, err := l.FindLast(context.Background(), "empty")
	require.NoError(t, err)
	require.Nil(t, last)
}

func TestHistoryFor(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "t1", "transaction", "tx1", ledger.EventCreated,
		map[string]interface{}{"amount": 1.0}, "a", ledger.Metadata{})
	require.NoError(t, err)
	_, err = l.Append(ctx, "t1", "transaction", "tx2", ledger.EventCreated,
		map[string]interface{}{"amount": 2.0}, "a", ledger.Metadata{})
	require.NoError(t, err)
	_, err = l.Append(ctx, "t1", "transaction", "tx1", ledger.EventUpdated,
		map[string]interface{}{"amount": 3.0}, "a", ledger.Metadata{})
	require.NoError(t, err)

	history, err := l.HistoryFor(ctx, "tx1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int64(1), history[0].Sequence)
	require.Equal(t, int64(3), history[1].Sequence)
}

func TestFindByID(t *testing.T) {
	l, _ := newLedger(t)
	events := appendN(t, l, "t1", 3)

	got, err := l.FindByID(context.Background(), events[1].ID)
	require.NoError(t, err)
	require.Equal(t, events[1].Sequence, got.Sequence)

	_, err = l.FindByID(context.Background(), "nope")
	require.ErrorIs(t, err, ledger.ErrEventNotFound)
}

func tamper(t *testing.T, backend *storage.Memory, tenant string, seq int64, mutate func(*ledger.Event)) {
	t.Helper()
	raw, err := backend.Get(storage.KeyLedger(tenant, seq))
	require.NoError(t, err)
	ev := &ledger.Event{}
	require.NoError(t, json.Unmarshal(raw, ev))
	mutate(ev)
	out, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, backend.Put(storage.KeyLedger(tenant, seq), out))
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	l, backend := newLedger(t)
	appendN(t, l, "t1", 6)

	tamper(t, backend, "t1", 3, func(ev *ledger.Event) {
		ev.Payload["amount"] = 99999.0
	})

	res, err := l.VerifyChain(context.Background(), "t1", 1, 6)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, int64(3), res.FirstCorruption)

	// quarantineOnCorruption blocks subsequent appends.
	_, err = l.Append(context.Background(), "t1", "transaction", "tx-x",
		ledger.EventCreated, map[string]interface{}{}, "a", ledger.Metadata{})
	require.ErrorIs(t, err, ledger.ErrQuarantined)
	require.True(t, l.IsQuarantined("t1"))
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	l, backend := newLedger(t)
	appendN(t, l, "t1", 4)

	tamper(t, backend, "t1", 2, func(ev *ledger.Event) {
		ev.PreviousHash = "bogus"
	})

	res, err := l.VerifyChain(context.Background(), "t1", 1, 4)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, int64(2), res.FirstCorruption)
}

func TestRepairRequiresValidChain(t *testing.T) {
	l, backend := newLedger(t)
	appendN(t, l, "t1", 3)

	raw, err := backend.Get(storage.KeyLedger("t1", 2))
	require.NoError(t, err)
	tamper(t, backend, "t1", 2, func(ev *ledger.Event) { ev.Payload["x"] = 1.0 })

	res, err := l.VerifyChain(context.Background(), "t1", 1, 3)
	require.NoError(t, err)
	require.False(t, res.Valid)

	require.Error(t, l.Repair(context.Background(), "t1"))

	// Restore the original bytes out of band, then repair succeeds.
	require.NoError(t, backend.Put(storage.KeyLedger("t1", 2), raw))
	require.NoError(t, l.Repair(context.Background(), "t1"))
	require.False(t, l.IsQuarantined("t1"))

	_, err = l.Append(context.Background(), "t1", "transaction", "tx-y",
		ledger.EventCreated, map[string]interface{}{}, "a", ledger.Metadata{})
	require.NoError(t, err)
}

func TestRangeInclusive(t *testing.T) {
	l, _ := newLedger(t)
	appendN(t, l, "t1", 10)

	events, err := l.Range(context.Background(), "t1", 3, 7)
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, int64(3), events[0].Sequence)
	require.Equal(t, int64(7), events[4].Sequence)
}
