package favorites

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/internal/queue"
	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/internal/remote"
	"github.com/ChuLiYu/offline-sync/internal/storage"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// fakeRemote 依設定回傳錯誤，並記錄收到的動作
type fakeRemote struct {
	mu      sync.Mutex
	err     error
	errs    []error // 依序給前幾次呼叫使用，用完後回到 err
	applied []types.QueuedAction
	items   []remote.Favorite
}

func (f *fakeRemote) Apply(_ context.Context, a types.QueuedAction) (remote.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.err
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err != nil {
		return remote.ApplyResult{}, err
	}
	f.applied = append(f.applied, a)
	return remote.ApplyResult{}, nil
}

func (f *fakeRemote) ListFavorites(context.Context, string) ([]remote.Favorite, error) {
	return f.items, nil
}

type fixture struct {
	svc     *Service
	engine  *queue.Engine
	store   *Store
	backend *storage.MemoryBackend
	remote  *fakeRemote
	events  []RollbackEvent
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	backend := storage.NewMemoryBackend()
	reg := registry.New()
	engine := queue.New(queue.DefaultConfig(),
		storage.NewQueueStore(backend, "queue/favorites", logging.Nop()), reg,
		queue.WithLogger(logging.Nop()))
	f := &fixture{
		engine:  engine,
		store:   NewStore(backend, logging.Nop()),
		backend: backend,
		remote:  &fakeRemote{},
	}
	f.svc = NewService(f.store, engine, f.remote, cfg, logging.Nop())
	require.NoError(t, f.svc.Register(reg))
	require.NoError(t, reg.Validate())
	engine.OnTerminal(f.svc.HandleTerminal)
	f.svc.OnRollback(func(ev RollbackEvent) { f.events = append(f.events, ev) })
	return f
}

func TestAddIsOptimisticAndQueued(t *testing.T) {
	f := newFixture(t, Config{RollbackOnFailure: true})
	ctx := context.Background()

	a, err := f.svc.Add(ctx, "1", Item{ID: "42", Title: "Answer"})
	require.NoError(t, err)

	assert.True(t, f.store.Has(ctx, "1", "42"))
	assert.Equal(t, types.ActionAddFavorite, a.Type)
	var p AddPayload
	require.NoError(t, a.DecodePayload(&p))
	assert.Equal(t, "1", p.UserID)
	assert.Equal(t, "42", p.Item.ID)
	assert.NotZero(t, p.Item.AddedAt)
	assert.Equal(t, 1, f.engine.Len())

	report := f.engine.Drain(ctx)
	assert.Equal(t, 1, report.Applied)
	require.Len(t, f.remote.applied, 1)
	assert.Equal(t, a.ID, f.remote.applied[0].ID)
}

func TestAddValidatesInput(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.Add(context.Background(), "", Item{ID: "1"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = f.svc.Remove(context.Background(), "u", "")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, 0, f.engine.Len())
}

func TestRemoveKeepsSnapshotForRollback(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.store.Put(ctx, "u", Item{ID: "7", Title: "Seven", AddedAt: 5})

	a, err := f.svc.Remove(ctx, "u", "7")
	require.NoError(t, err)
	assert.False(t, f.store.Has(ctx, "u", "7"))

	var p RemovePayload
	require.NoError(t, a.DecodePayload(&p))
	require.NotNil(t, p.Item)
	assert.Equal(t, "Seven", p.Item.Title)
}

func TestSyncAllSendsFullSet(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.store.Put(ctx, "u", Item{ID: "b", AddedAt: 2})
	f.store.Put(ctx, "u", Item{ID: "a", AddedAt: 1})

	a, err := f.svc.SyncAll(ctx, "u")
	require.NoError(t, err)
	var p SyncPayload
	require.NoError(t, a.DecodePayload(&p))
	require.Len(t, p.Items, 2)
	assert.Equal(t, "a", p.Items[0].ID)
	assert.Equal(t, "b", p.Items[1].ID)
}

func TestHandlerRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.svc.apply(context.Background(), types.QueuedAction{
		ID: "x", Type: types.ActionAddFavorite, Payload: json.RawMessage(`{"userId":"u"}`),
	})
	assert.True(t, registry.IsPermanent(err))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = f.svc.apply(context.Background(), types.QueuedAction{
		ID: "y", Type: types.ActionAddFavorite, Payload: json.RawMessage(`{"userId":1}`),
	})
	assert.True(t, registry.IsPermanent(err))
	assert.Empty(t, f.remote.applied)
}

func TestRollbackRevertsFailedAdd(t *testing.T) {
	f := newFixture(t, Config{RollbackOnFailure: true})
	ctx := context.Background()
	f.remote.err = registry.Permanent(errors.New("item does not exist"))

	_, err := f.svc.Add(ctx, "u", Item{ID: "404"})
	require.NoError(t, err)
	f.engine.Drain(ctx)

	assert.False(t, f.store.Has(ctx, "u", "404"))
	require.Len(t, f.events, 1)
	assert.True(t, f.events[0].Reverted)
	assert.Equal(t, types.ReasonRejected, f.events[0].Reason)
	assert.Equal(t, "404", f.events[0].ItemID)
}

func TestRollbackRestoresFailedRemove(t *testing.T) {
	f := newFixture(t, Config{RollbackOnFailure: true, MaxRetries: 1})
	ctx := context.Background()
	f.store.Put(ctx, "u", Item{ID: "7", Title: "Seven"})
	f.remote.err = errors.New("unavailable")

	_, err := f.svc.Remove(ctx, "u", "7")
	require.NoError(t, err)
	f.engine.Drain(ctx)

	assert.True(t, f.store.Has(ctx, "u", "7"))
	require.Len(t, f.events, 1)
	assert.True(t, f.events[0].Reverted)
	assert.Equal(t, types.ReasonExhausted, f.events[0].Reason)
}

func TestRollbackSkippedWhenNewerActionPending(t *testing.T) {
	f := newFixture(t, Config{RollbackOnFailure: true})
	ctx := context.Background()

	first, err := f.svc.Add(ctx, "u", Item{ID: "1"})
	require.NoError(t, err)
	_, err = f.svc.Add(ctx, "u", Item{ID: "1", Title: "again"})
	require.NoError(t, err)

	f.svc.HandleTerminal(ctx, first, types.ReasonRejected, errors.New("rejected"))

	assert.True(t, f.store.Has(ctx, "u", "1"))
	require.Len(t, f.events, 1)
	assert.False(t, f.events[0].Reverted)
	assert.NotEmpty(t, f.events[0].Skipped)
}

func TestRollbackSkippedWhenNewerActionAppliedInSamePass(t *testing.T) {
	f := newFixture(t, Config{RollbackOnFailure: true})
	ctx := context.Background()
	f.remote.errs = []error{registry.Permanent(errors.New("rejected")), nil}

	_, err := f.svc.Add(ctx, "u", Item{ID: "1"})
	require.NoError(t, err)
	second, err := f.svc.Add(ctx, "u", Item{ID: "1", Title: "again"})
	require.NoError(t, err)

	report := f.engine.Drain(ctx)

	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Terminal)
	require.Len(t, f.remote.applied, 1)
	assert.Equal(t, second.ID, f.remote.applied[0].ID)
	// 遠端持有第二次新增，本地不能被回滾
	assert.True(t, f.store.Has(ctx, "u", "1"))
	require.Len(t, f.events, 1)
	assert.False(t, f.events[0].Reverted)
	assert.Equal(t, "newer action for item already applied", f.events[0].Skipped)
}

func TestRollbackIgnoresOlderAppliedAction(t *testing.T) {
	f := newFixture(t, Config{RollbackOnFailure: true})
	ctx := context.Background()
	f.remote.errs = []error{nil, registry.Permanent(errors.New("rejected"))}

	_, err := f.svc.Add(ctx, "u", Item{ID: "1"})
	require.NoError(t, err)
	_, err = f.svc.Remove(ctx, "u", "1")
	require.NoError(t, err)
	f.engine.Drain(ctx)

	// 較早的新增成功、較晚的移除被拒：還原成移除前的狀態
	assert.True(t, f.store.Has(ctx, "u", "1"))
	require.Len(t, f.events, 1)
	assert.True(t, f.events[0].Reverted)
	assert.Equal(t, types.ActionRemoveFavorite, f.events[0].ActionType)
}

func TestRollbackDisabledKeepsOptimisticState(t *testing.T) {
	f := newFixture(t, Config{RollbackOnFailure: false})
	ctx := context.Background()
	f.remote.err = registry.Permanent(errors.New("no"))

	_, err := f.svc.Add(ctx, "u", Item{ID: "1"})
	require.NoError(t, err)
	f.engine.Drain(ctx)

	assert.True(t, f.store.Has(ctx, "u", "1"))
	require.Len(t, f.events, 1)
	assert.False(t, f.events[0].Reverted)
	assert.Equal(t, "rollback disabled", f.events[0].Skipped)
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	backend := storage.NewMemoryBackend()
	ctx := context.Background()
	s1 := NewStore(backend, logging.Nop())
	s1.Put(ctx, "u", Item{ID: "1", AddedAt: 1})
	s1.Put(ctx, "u", Item{ID: "2", AddedAt: 2})
	s1.Delete(ctx, "u", "1")

	s2 := NewStore(backend, logging.Nop())
	assert.Equal(t, []Item{{ID: "2", AddedAt: 2}}, s2.List(ctx, "u"))
	assert.NotNil(t, backend.Raw(Key("u")))

	s2.Replace(ctx, "u", []Item{{ID: "9"}})
	assert.Equal(t, []Item{{ID: "9"}}, NewStore(backend, logging.Nop()).List(ctx, "u"))
}

func TestStoreCorruptBlobStartsEmpty(t *testing.T) {
	backend := storage.NewMemoryBackend()
	require.NoError(t, backend.Write(context.Background(), Key("u"), []byte("{")))
	assert.Empty(t, NewStore(backend, logging.Nop()).List(context.Background(), "u"))
}

func TestPullReplaysPendingActions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.remote.items = []remote.Favorite{
		{ID: "1", Title: "One", AddedAt: 1},
		{ID: "2", Title: "Two", AddedAt: 2},
	}
	f.store.Put(ctx, "u", Item{ID: "stale", AddedAt: 0})

	_, err := f.svc.Add(ctx, "u", Item{ID: "3", Title: "Three", AddedAt: 3})
	require.NoError(t, err)
	_, err = f.svc.Remove(ctx, "u", "1")
	require.NoError(t, err)
	_, err = f.svc.Add(ctx, "other", Item{ID: "x", AddedAt: 4})
	require.NoError(t, err)

	items, err := f.svc.Pull(ctx, "u")
	require.NoError(t, err)

	want := []Item{{ID: "2", Title: "Two", AddedAt: 2}, {ID: "3", Title: "Three", AddedAt: 3}}
	assert.Equal(t, want, items)
	assert.Equal(t, want, NewStore(f.backend, logging.Nop()).List(ctx, "u"))
	assert.Equal(t, 3, f.engine.Len())
}

func TestPullPendingSyncReplacesRemoteSet(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.remote.items = []remote.Favorite{{ID: "1", AddedAt: 1}}
	f.store.Put(ctx, "u", Item{ID: "5", AddedAt: 5})

	_, err := f.svc.SyncAll(ctx, "u")
	require.NoError(t, err)

	items, err := f.svc.Pull(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []Item{{ID: "5", AddedAt: 5}}, items)
}

func TestPullRequiresUser(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.Pull(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRemoteList(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.items = []remote.Favorite{{ID: "1", Title: "One", AddedAt: 3}}
	items, err := f.svc.RemoteList(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, []Item{{ID: "1", Title: "One", AddedAt: 3}}, items)
}
