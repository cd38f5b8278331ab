package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spineda1208/zenoo/transport"
)

// fakeInverter records the compensating calls it receives.
type fakeInverter struct {
	mu     sync.Mutex
	nextID int64
	calls  []inverseCall
	failOn func(call inverseCall) error
}

type inverseCall struct {
	op     string
	model  string
	ids    []int64
	values map[string]interface{}
}

func (f *fakeInverter) record(call inverseCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		if err := f.failOn(call); err != nil {
			return err
		}
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeInverter) CreateRecord(_ context.Context, model string, values map[string]interface{}) (int64, error) {
	if err := f.record(inverseCall{op: "create", model: model, values: values}); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return 9000 + f.nextID, nil
}

func (f *fakeInverter) WriteRecords(_ context.Context, model string, ids []int64, values map[string]interface{}) error {
	return f.record(inverseCall{op: "write", model: model, ids: ids, values: values})
}

func (f *fakeInverter) UnlinkRecords(_ context.Context, model string, ids []int64) error {
	return f.record(inverseCall{op: "unlink", model: model, ids: ids})
}

func newTestScope(t *testing.T) (*Scope, *fakeInverter) {
	t.Helper()
	inv := &fakeInverter{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return newScope(inv, log.WithField("test", t.Name())), inv
}

func TestCommitEmptiesJournal(t *testing.T) {
	ctx := context.Background()
	scope, inv := newTestScope(t)

	require.NoError(t, scope.RecordCreate("res.partner", 1, 2))
	require.NoError(t, scope.RecordUpdate("res.partner", map[int64]map[string]interface{}{
		3: {"name": "old"},
	}))
	assert.Equal(t, 2, scope.JournalLen())

	require.NoError(t, scope.Commit(ctx))
	assert.Equal(t, StatusCommitted, scope.Status())
	assert.Zero(t, scope.JournalLen())
	assert.Empty(t, inv.calls, "commit issues no server calls")
}

func TestRollbackIssuesInversesInReverseOrder(t *testing.T) {
	ctx := context.Background()
	scope, inv := newTestScope(t)

	require.NoError(t, scope.RecordCreate("res.partner", 10))
	require.NoError(t, scope.RecordUpdate("res.partner", map[int64]map[string]interface{}{
		20: {"name": "before"},
	}))
	require.NoError(t, scope.RecordDelete("res.partner", map[int64]map[string]interface{}{
		30: {"id": int64(30), "name": "gone"},
	}))

	require.NoError(t, scope.Rollback(ctx))
	assert.Equal(t, StatusRolledBack, scope.Status())
	assert.Zero(t, scope.JournalLen())

	require.Len(t, inv.calls, 3)
	assert.Equal(t, "create", inv.calls[0].op)
	assert.Equal(t, "write", inv.calls[1].op)
	assert.Equal(t, "unlink", inv.calls[2].op)

	// The delete inverse feeds the captured record back without its id.
	assert.NotContains(t, inv.calls[0].values, "id")
	assert.Equal(t, "gone", inv.calls[0].values["name"])
	assert.Equal(t, map[string]interface{}{"name": "before"}, inv.calls[1].values)
	assert.Equal(t, []int64{10}, inv.calls[2].ids)
}

func TestRollbackRemapsRecreatedIDs(t *testing.T) {
	ctx := context.Background()
	scope, _ := newTestScope(t)

	require.NoError(t, scope.RecordDelete("res.partner", map[int64]map[string]interface{}{
		30: {"name": "thirty"},
		31: {"name": "thirty-one"},
	}))
	require.NoError(t, scope.Rollback(ctx))

	remap := scope.RemappedIDs()
	require.Len(t, remap, 2)
	assert.NotZero(t, remap[30])
	assert.NotZero(t, remap[31])
	assert.NotEqual(t, remap[30], remap[31])
}

func TestRollbackErrorListsUnrecoveredOps(t *testing.T) {
	ctx := context.Background()
	scope, inv := newTestScope(t)
	boom := errors.New("server gone")
	inv.failOn = func(call inverseCall) error {
		if call.op == "unlink" {
			return boom
		}
		return nil
	}

	require.NoError(t, scope.RecordCreate("res.partner", 10))
	require.NoError(t, scope.RecordUpdate("res.partner", map[int64]map[string]interface{}{
		20: {"name": "before"},
	}))

	err := scope.Rollback(ctx)
	require.Error(t, err)
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	require.Len(t, rbErr.Unrecovered, 1)
	assert.Equal(t, KindCreate, rbErr.Unrecovered[0].Kind)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusAborted, scope.Status())

	// The update inverse was still attempted.
	require.Len(t, inv.calls, 1)
	assert.Equal(t, "write", inv.calls[0].op)
}

func TestCascadingDeleteIsIrreversible(t *testing.T) {
	ctx := context.Background()
	scope, inv := newTestScope(t)

	require.NoError(t, scope.RecordCascadingDelete("res.partner", []int64{5}))

	err := scope.Rollback(ctx)
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	require.Len(t, rbErr.Unrecovered, 1)
	assert.Equal(t, []int64{5}, rbErr.Unrecovered[0].IDs)
	assert.Empty(t, inv.calls)
}

func TestSavepointRollback(t *testing.T) {
	ctx := context.Background()
	scope, inv := newTestScope(t)

	// Mirrors a partial failure mid-scope: keep the partner, undo the
	// failed contact, continue, commit.
	require.NoError(t, scope.RecordCreate("res.partner", 1))
	sp, err := scope.Savepoint("contacts")
	require.NoError(t, err)
	require.NoError(t, scope.RecordCreate("res.partner", 2))

	require.NoError(t, scope.RollbackTo(ctx, sp))
	assert.Equal(t, StatusActive, scope.Status())
	assert.Equal(t, 1, scope.JournalLen())
	require.Len(t, inv.calls, 1)
	assert.Equal(t, []int64{2}, inv.calls[0].ids)

	require.NoError(t, scope.RecordCreate("res.partner", 3))
	require.NoError(t, scope.Commit(ctx))
	assert.Zero(t, scope.JournalLen())
	assert.Len(t, inv.calls, 1, "commit undoes nothing")
}

func TestSavepointReleaseKeepsEntries(t *testing.T) {
	ctx := context.Background()
	scope, inv := newTestScope(t)

	require.NoError(t, scope.RecordCreate("res.partner", 1))
	sp, err := scope.Savepoint("sp")
	require.NoError(t, err)
	require.NoError(t, scope.RecordCreate("res.partner", 2))

	require.NoError(t, scope.Release(sp))
	assert.Equal(t, 2, scope.JournalLen())
	assert.Empty(t, inv.calls)

	// The handle is gone after release.
	assert.Error(t, scope.RollbackTo(ctx, sp))
}

func TestSavepointDiscardsLaterSavepoints(t *testing.T) {
	ctx := context.Background()
	scope, _ := newTestScope(t)

	outer, err := scope.Savepoint("outer")
	require.NoError(t, err)
	require.NoError(t, scope.RecordCreate("res.partner", 1))
	inner, err := scope.Savepoint("inner")
	require.NoError(t, err)

	require.NoError(t, scope.RollbackTo(ctx, outer))
	assert.Error(t, scope.RollbackTo(ctx, inner), "inner was taken after outer's mark")
}

func TestNestedScopeRollbackSparesParentEntries(t *testing.T) {
	ctx := context.Background()
	scope, inv := newTestScope(t)

	require.NoError(t, scope.RecordCreate("res.partner", 1))
	child, err := scope.Child()
	require.NoError(t, err)
	require.NoError(t, child.RecordCreate("res.partner", 2))
	assert.Equal(t, 1, child.JournalLen())
	assert.Equal(t, 2, scope.JournalLen())

	require.NoError(t, child.Rollback(ctx))
	assert.Equal(t, StatusRolledBack, child.Status())
	assert.Equal(t, StatusActive, scope.Status())
	assert.Equal(t, 1, scope.JournalLen())
	require.Len(t, inv.calls, 1)
	assert.Equal(t, []int64{2}, inv.calls[0].ids)
}

func TestScopeRejectsUseAfterCommit(t *testing.T) {
	ctx := context.Background()
	scope, _ := newTestScope(t)
	require.NoError(t, scope.Commit(ctx))

	err := scope.RecordCreate("res.partner", 1)
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Contains(t, txErr.Reason, "committed")
}

func TestScopeRejectsConcurrentUse(t *testing.T) {
	scope, _ := newTestScope(t)

	// Hold the scope from one goroutine while another tries to journal.
	scope.busy.Store(true)
	err := scope.RecordCreate("res.partner", 1)
	scope.busy.Store(false)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
}

func TestTouchedModels(t *testing.T) {
	scope, _ := newTestScope(t)
	require.NoError(t, scope.RecordCreate("res.partner", 1))
	require.NoError(t, scope.RecordUpdate("res.country", map[int64]map[string]interface{}{
		2: {"code": "DE"},
	}))
	assert.Equal(t, []string{"res.country", "res.partner"}, scope.TouchedModels())
}

func serializationErr() error {
	return transport.NewError(transport.KindSerialization, "could not serialize access", nil)
}

func TestRunCommitsOnSuccess(t *testing.T) {
	inv := &fakeInverter{}
	var committed []string
	m := NewManager(inv, nil, WithCommitHook(func(_ context.Context, models []string) {
		committed = models
	}))

	err := m.Run(context.Background(), func(ctx context.Context) error {
		scope, ok := FromContext(ctx)
		require.True(t, ok)
		return scope.RecordCreate("res.partner", 1)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"res.partner"}, committed)
	assert.Empty(t, inv.calls)
}

func TestRunRollsBackOnError(t *testing.T) {
	inv := &fakeInverter{}
	m := NewManager(inv, nil)
	boom := errors.New("validation failed")

	err := m.Run(context.Background(), func(ctx context.Context) error {
		scope, _ := FromContext(ctx)
		require.NoError(t, scope.RecordCreate("res.partner", 1))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, "unlink", inv.calls[0].op)
}

func TestRunRetriesCleanSerializationConflict(t *testing.T) {
	inv := &fakeInverter{}
	m := NewManager(inv, nil, WithRetryAttempts(3), WithInitialInterval(0))

	attempts := 0
	err := m.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return serializationErr()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunDoesNotRetryAfterSideEffect(t *testing.T) {
	inv := &fakeInverter{}
	m := NewManager(inv, nil, WithRetryAttempts(5), WithInitialInterval(0))

	attempts := 0
	err := m.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		scope, _ := FromContext(ctx)
		require.NoError(t, scope.RecordCreate("res.partner", 1))
		return serializationErr()
	})
	require.Error(t, err)
	assert.Equal(t, transport.KindSerialization, transport.KindOf(err))
	assert.Equal(t, 1, attempts, "a journalled write forbids re-running the scope")
}

func TestRunWithZeroAttemptBudgetRunsOnce(t *testing.T) {
	inv := &fakeInverter{}
	m := NewManager(inv, nil, WithRetryAttempts(0), WithInitialInterval(0))

	calls := 0
	require.NoError(t, m.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)

	// A conflict under a zero budget surfaces instead of retrying.
	calls = 0
	err := m.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return serializationErr()
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunDoesNotRetryNonSerializationErrors(t *testing.T) {
	inv := &fakeInverter{}
	m := NewManager(inv, nil, WithRetryAttempts(5), WithInitialInterval(0))

	attempts := 0
	err := m.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		return transport.NewError(transport.KindValidation, "bad email", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestAtomicNestsIntoAmbientScope(t *testing.T) {
	inv := &fakeInverter{}
	m := NewManager(inv, nil)

	err := m.Run(context.Background(), func(ctx context.Context) error {
		outer, _ := FromContext(ctx)
		require.NoError(t, outer.RecordCreate("res.partner", 1))

		// The failing inner block undoes only its own writes.
		innerErr := m.Atomic(ctx, func(ctx context.Context) error {
			inner, _ := FromContext(ctx)
			require.NoError(t, inner.RecordCreate("res.partner", 2))
			return errors.New("inner failure")
		})
		require.Error(t, innerErr)
		assert.Equal(t, 1, outer.JournalLen())
		return nil
	})
	require.NoError(t, err)

	require.Len(t, inv.calls, 1)
	assert.Equal(t, []int64{2}, inv.calls[0].ids)
}
