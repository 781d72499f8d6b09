package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestResolveOrCreate_CreatesPending(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	ws, err := r.ResolveOrCreate(ctx, workspace.ProjectOwner("42"), workspace.KindDocker, "node:20")
	require.NoError(t, err)

	assert.Equal(t, workspace.StatePending, ws.State)
	assert.Equal(t, "forage-project-42", ws.Namespace)
	assert.Equal(t, workspace.KindDocker, ws.Kind)
	assert.Equal(t, "forage-project-42-data", ws.Data.Name)
	assert.Nil(t, ws.Connection)

	again, err := r.ResolveOrCreate(ctx, workspace.ProjectOwner("42"), workspace.KindKubernetes, "other")
	require.NoError(t, err)
	assert.Equal(t, ws.ID, again.ID)
	assert.Equal(t, workspace.KindDocker, again.Kind, "kind is fixed at creation")
}

func TestResolveOrCreate_InvalidOwner(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.ResolveOrCreate(context.Background(), workspace.Owner{}, workspace.KindDocker, "")
	assert.True(t, errors.HasKind(err, errors.KindInvalidArgument), "got %v", err)

	_, err = r.ResolveOrCreate(context.Background(), workspace.ProjectOwner("1"), "nspawn", "")
	assert.True(t, errors.HasKind(err, errors.KindInvalidArgument), "got %v", err)
}

func TestResolveOrCreate_ConcurrentSingleRecord(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	owner := workspace.ConversationOwner("c-1")

	const n = 32
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := r.ResolveOrCreate(ctx, owner, workspace.KindKubernetes, "")
			errs[i] = err
			if ws != nil {
				ids[i] = ws.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	all, err := r.List(ctx, Filter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLookupAndRequire(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	owner := workspace.ProjectOwner("7")

	_, err := r.Lookup(ctx, owner)
	assert.True(t, errors.HasKind(err, errors.KindNotFound), "got %v", err)

	ws, err := r.ResolveOrCreate(ctx, owner, workspace.KindDocker, "")
	require.NoError(t, err)

	_, err = r.Require(ctx, owner)
	assert.True(t, errors.HasKind(err, errors.KindPendingProvisioning), "got %v", err)

	_, err = r.MarkState(ctx, ws.ID, workspace.StateProvisioning)
	require.NoError(t, err)
	_, err = r.MarkState(ctx, ws.ID, workspace.StateRunning)
	require.NoError(t, err)

	got, err := r.Require(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.ID)
}

func TestMarkState_RejectsIllegalTransitions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	ws, err := r.ResolveOrCreate(ctx, workspace.ProjectOwner("1"), workspace.KindDocker, "")
	require.NoError(t, err)

	_, err = r.MarkState(ctx, ws.ID, workspace.StateRunning)
	assert.True(t, errors.HasKind(err, errors.KindInvalidTransition), "pending -> running: %v", err)

	_, err = r.Delete(ctx, ws.ID, true)
	require.NoError(t, err)

	_, err = r.MarkState(ctx, ws.ID, workspace.StateRunning)
	assert.True(t, errors.HasKind(err, errors.KindInvalidTransition), "deleted -> running: %v", err)
}

func TestMarkState_ProvisioningClearsConnection(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	ws, err := r.ResolveOrCreate(ctx, workspace.ProjectOwner("1"), workspace.KindKubernetes, "")
	require.NoError(t, err)
	_, err = r.MarkState(ctx, ws.ID, workspace.StateProvisioning)
	require.NoError(t, err)

	desc := &workspace.ConnectionDescriptor{Endpoint: "https://api:6443", Token: "t", Pod: "workspace-0"}
	exposure := workspace.Exposure{Ports: map[int]int{3000: 31000}, AccessURL: "http://node:31000"}
	require.NoError(t, r.UpdateConnection(ctx, ws.ID, desc, exposure))

	ws, err = r.MarkState(ctx, ws.ID, workspace.StateRunning)
	require.NoError(t, err)
	got, ok := ws.Access()
	require.True(t, ok)
	assert.Equal(t, "workspace-0", got.Pod)
	assert.Equal(t, 31000, ws.Exposure.Ports[3000])

	ws, err = r.MarkState(ctx, ws.ID, workspace.StateProvisioning)
	require.NoError(t, err)
	assert.Nil(t, ws.Connection)
	_, ok = ws.Access()
	assert.False(t, ok)
}

func TestDelete_InvokesTeardownAndKeepsHistory(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	owner := workspace.ProjectOwner("99")

	var (
		calls    int
		gotState workspace.State
		gotKeep  bool
	)
	r.OnDelete(func(_ context.Context, ws *workspace.Workspace, preserve bool) error {
		calls++
		gotState = ws.State
		gotKeep = preserve
		return nil
	})

	ws, err := r.ResolveOrCreate(ctx, owner, workspace.KindDocker, "")
	require.NoError(t, err)

	deleted, err := r.Delete(ctx, ws.ID, true)
	require.NoError(t, err)
	assert.Equal(t, workspace.StateDeleted, deleted.State)
	assert.Equal(t, 1, calls)
	assert.Equal(t, workspace.StateDeleting, gotState)
	assert.True(t, gotKeep)

	_, err = r.Lookup(ctx, owner)
	assert.True(t, errors.HasKind(err, errors.KindNotFound))

	// A new record for the same owner may be created after deletion.
	fresh, err := r.ResolveOrCreate(ctx, owner, workspace.KindDocker, "")
	require.NoError(t, err)
	assert.NotEqual(t, ws.ID, fresh.ID)
	assert.Equal(t, ws.Namespace, fresh.Namespace, "namespace is derived from the owner")

	history, err := r.List(ctx, Filter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Deleting an already deleted record is a no-op.
	_, err = r.Delete(ctx, ws.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDelete_FailedTeardownStaysDeleting(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	fail := true
	r.OnDelete(func(context.Context, *workspace.Workspace, bool) error {
		if fail {
			return fmt.Errorf("cluster unreachable")
		}
		return nil
	})

	ws, err := r.ResolveOrCreate(ctx, workspace.ProjectOwner("5"), workspace.KindKubernetes, "")
	require.NoError(t, err)

	_, err = r.Delete(ctx, ws.ID, false)
	require.Error(t, err)

	cur, err := r.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, workspace.StateDeleting, cur.State)

	fail = false
	done, err := r.Delete(ctx, ws.ID, false)
	require.NoError(t, err)
	assert.Equal(t, workspace.StateDeleted, done.State)
}

func TestList_Filter(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.ResolveOrCreate(ctx, workspace.ProjectOwner("a"), workspace.KindDocker, "")
	require.NoError(t, err)
	_, err = r.ResolveOrCreate(ctx, workspace.ProjectOwner("b"), workspace.KindKubernetes, "")
	require.NoError(t, err)
	_, err = r.MarkState(ctx, a.ID, workspace.StateProvisioning)
	require.NoError(t, err)

	docker, err := r.List(ctx, Filter{Kind: workspace.KindDocker})
	require.NoError(t, err)
	require.Len(t, docker, 1)
	assert.Equal(t, a.ID, docker[0].ID)

	pending, err := r.List(ctx, Filter{States: []workspace.State{workspace.StatePending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, workspace.KindKubernetes, pending[0].Kind)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}
